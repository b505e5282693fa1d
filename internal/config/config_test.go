package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_FIX_ATTEMPTS", "5")
	t.Setenv("INCIDENT_COOLDOWN_WINDOW", "120")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "2")
	t.Setenv("VERIFICATION_TIMEOUT", "15000")
	t.Setenv("ENABLE_AUTO_PURGE", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxFixAttempts)
	require.Equal(t, 2*time.Minute, cfg.IncidentCooldownWindow)
	require.Equal(t, 2, cfg.CircuitBreakerThreshold)
	require.Equal(t, 15*time.Second, cfg.VerificationTimeout)
	require.False(t, cfg.EnableAutoPurge)
}

func TestFromEnvRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"fix attempts zero", "MAX_FIX_ATTEMPTS", "0"},
		{"fix attempts too high", "MAX_FIX_ATTEMPTS", "21"},
		{"cooldown too short", "INCIDENT_COOLDOWN_WINDOW", "59"},
		{"cooldown too long", "INCIDENT_COOLDOWN_WINDOW", "3601"},
		{"ssh timeout too short", "SSH_CONNECTION_TIMEOUT", "9999"},
		{"ssh timeout too long", "SSH_CONNECTION_TIMEOUT", "120001"},
		{"retention zero", "DEFAULT_RETENTION_DAYS", "0"},
		{"retention too long", "MAX_RETENTION_DAYS", "8"},
		{"not a number", "MAX_FIX_ATTEMPTS", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestFromEnvAcceptsBoundaryValues(t *testing.T) {
	t.Setenv("MAX_FIX_ATTEMPTS", "1")
	t.Setenv("DEFAULT_RETENTION_DAYS", "1")
	t.Setenv("MAX_RETENTION_DAYS", "7")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MaxFixAttempts)

	t.Setenv("MAX_FIX_ATTEMPTS", "20")
	cfg, err = FromEnv()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.MaxFixAttempts)
}

func TestDefaultRetentionCannotExceedMax(t *testing.T) {
	t.Setenv("DEFAULT_RETENTION_DAYS", "7")
	t.Setenv("MAX_RETENTION_DAYS", "3")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestApplyOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitemedic.yaml")
	content := "circuit_breaker_threshold: 9\nmax_incidents_per_window: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := Default()
	require.NoError(t, cfg.ApplyOverridesFile(path))
	require.Equal(t, 9, cfg.CircuitBreakerThreshold)
	require.Equal(t, 4, cfg.MaxIncidentsPerWindow)
	// Untouched fields keep their defaults.
	require.Equal(t, 5, cfg.EscalationThreshold)
}

func TestApplyOverridesFileMissingIsNoop(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyOverridesFile(filepath.Join(t.TempDir(), "absent.yaml")))
}
