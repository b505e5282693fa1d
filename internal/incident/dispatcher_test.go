package incident

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitemedic/sitemedic/internal/flapping"
)

func TestCreateIncidentValidation(t *testing.T) {
	env := newTestEnv(t, flapping.DefaultConfig())

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing site", CreateRequest{ServerID: "srv", TriggerType: "manual"}},
		{"missing server", CreateRequest{SiteID: "s", TriggerType: "manual"}},
		{"missing trigger", CreateRequest{SiteID: "s", ServerID: "srv"}},
		{"max fix attempts too high", CreateRequest{SiteID: "s", ServerID: "srv", TriggerType: "manual", MaxFixAttempts: 21}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.dispatcher.CreateIncident(context.Background(), tt.req)
			require.Error(t, err)
		})
	}
}

func TestFlappingDenialIsAResultNotAnError(t *testing.T) {
	env := newTestEnv(t, flapping.Config{
		CooldownWindow:        10 * time.Minute,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	})

	req := CreateRequest{SiteID: "S7", ServerID: "srv-7", TriggerType: "monitor-alert"}
	for i := 0; i < 3; i++ {
		result, err := env.dispatcher.CreateIncident(context.Background(), req)
		require.NoError(t, err)
		require.True(t, result.Success)
		env.clock.Advance(10 * time.Second)
	}

	denied, err := env.dispatcher.CreateIncident(context.Background(), req)
	require.NoError(t, err)
	require.False(t, denied.Success)
	require.NotEmpty(t, denied.Reason)
	require.NotNil(t, denied.CooldownUntil)
	require.Empty(t, denied.IncidentID)

	// After the cooldown expires the site is admitted again.
	env.clock.Advance(10*time.Minute + time.Second)
	result, err := env.dispatcher.CreateIncident(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestCreateIncidentDefaultsMaxFixAttempts(t *testing.T) {
	env := newTestEnv(t, flapping.DefaultConfig())

	_, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:      "S10",
		ServerID:    "srv-10",
		TriggerType: "manual",
		Priority:    "high",
	})
	require.NoError(t, err)

	job := env.nextJob(t)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Priority)

	var p JobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	require.Equal(t, 15, p.MaxFixAttempts)
	require.Equal(t, StateNew, p.CurrentState)
	require.Equal(t, "manual", p.Metadata["triggerType"])
	require.NotEmpty(t, p.CorrelationID)
	require.NotEmpty(t, p.TraceID)
}
