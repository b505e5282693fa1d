package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		payload JobPayload
		want    State
		wantOK  bool
	}{
		{"new", JobPayload{CurrentState: StateNew}, StateDiscovery, true},
		{"discovery", JobPayload{CurrentState: StateDiscovery}, StateBaseline, true},
		{"baseline", JobPayload{CurrentState: StateBaseline}, StateBackup, true},
		{"backup", JobPayload{CurrentState: StateBackup}, StateObservability, true},
		{"observability", JobPayload{CurrentState: StateObservability}, StateFixAttempt, true},
		{"fix attempt", JobPayload{CurrentState: StateFixAttempt}, StateVerify, true},
		{
			"verify passed",
			JobPayload{CurrentState: StateVerify, MaxFixAttempts: 3,
				Metadata: map[string]any{"verificationPassed": true}},
			StateFixed, true,
		},
		{
			"verify failed with attempts left",
			JobPayload{CurrentState: StateVerify, FixAttempts: 1, MaxFixAttempts: 3,
				Metadata: map[string]any{"verificationPassed": false}},
			StateFixAttempt, true,
		},
		{
			"verify failed attempts exhausted",
			JobPayload{CurrentState: StateVerify, FixAttempts: 3, MaxFixAttempts: 3,
				Metadata: map[string]any{"verificationPassed": false}},
			StateRollback, true,
		},
		{"rollback", JobPayload{CurrentState: StateRollback}, StateEscalated, true},
		{"fixed is terminal", JobPayload{CurrentState: StateFixed}, "", false},
		{"escalated is terminal", JobPayload{CurrentState: StateEscalated}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := nextTransition(&tt.payload)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionDelay(t *testing.T) {
	require.Equal(t, 5*time.Second, transitionDelay(StateFixAttempt))
	require.Equal(t, 10*time.Second, transitionDelay(StateVerify))
	require.Equal(t, time.Second, transitionDelay(StateDiscovery))
	require.Equal(t, time.Second, transitionDelay(StateFixed))
}

func TestRetryBackoffCapped(t *testing.T) {
	require.Equal(t, time.Second, retryBackoff(0))
	require.Equal(t, 2*time.Second, retryBackoff(1))
	require.Equal(t, 8*time.Second, retryBackoff(3))
	require.Equal(t, 30*time.Second, retryBackoff(5))
	require.Equal(t, 30*time.Second, retryBackoff(10))
}
