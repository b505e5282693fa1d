package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock, cfg Config) *Registry {
	return NewRegistry(zap.NewNop(), WithDefaults(cfg), WithClock(clock.Now))
}

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) (any, error) { return nil, errBoom }
func succeedingOp(ctx context.Context) (any, error) {
	return "ok", nil
}

func TestClosedAdmitsAndCountsFailures(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, MonitoringPeriod: 5 * time.Minute})
	ctx := context.Background()

	_, err := r.Execute(ctx, "k", failingOp, nil)
	require.ErrorIs(t, err, errBoom)

	stats, ok := r.Stats("k")
	require.True(t, ok)
	require.Equal(t, StateClosed, stats.State)
	require.Equal(t, 1, stats.Failures)
}

func TestOpensAtThresholdThenHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 2, RecoveryTimeout: 60 * time.Second, MonitoringPeriod: 5 * time.Minute})
	ctx := context.Background()

	// Two sequential failures open the breaker.
	_, _ = r.Execute(ctx, "K", failingOp, nil)
	_, _ = r.Execute(ctx, "K", failingOp, nil)

	stats, _ := r.Stats("K")
	require.Equal(t, StateOpen, stats.State)
	require.Equal(t, clock.Now().Add(60*time.Second), stats.NextAttemptAt)

	// Denied without calling the op, no fallback.
	called := false
	_, err := r.Execute(ctx, "K", func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	}, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)

	// After the recovery timeout the next call is the half-open probe;
	// success closes the breaker with zeroed counters.
	clock.Advance(61 * time.Second)
	result, err := r.Execute(ctx, "K", succeedingOp, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result)

	stats, _ = r.Stats("K")
	require.Equal(t, StateClosed, stats.State)
	require.Zero(t, stats.Failures)
	require.Zero(t, stats.Successes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, MonitoringPeriod: 5 * time.Minute})
	ctx := context.Background()

	// Threshold 1 opens on the first failure.
	_, _ = r.Execute(ctx, "k", failingOp, nil)
	stats, _ := r.Stats("k")
	require.Equal(t, StateOpen, stats.State)

	clock.Advance(31 * time.Second)
	_, err := r.Execute(ctx, "k", failingOp, nil)
	require.ErrorIs(t, err, errBoom)

	stats, _ = r.Stats("k")
	require.Equal(t, StateOpen, stats.State)
	require.Equal(t, clock.Now().Add(30*time.Second), stats.NextAttemptAt)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 1, RecoveryTimeout: time.Second, MonitoringPeriod: time.Minute})
	ctx := context.Background()

	_, _ = r.Execute(ctx, "k", failingOp, nil)
	clock.Advance(2 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = r.Execute(ctx, "k", func(ctx context.Context) (any, error) {
			close(probeStarted)
			<-release
			return "ok", nil
		}, nil)
	}()
	<-probeStarted

	// A second call while the probe is in flight is denied.
	_, err := r.Execute(ctx, "k", succeedingOp, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
}

func TestFallbackUsedOnDenial(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, MonitoringPeriod: time.Minute})
	ctx := context.Background()

	_, _ = r.Execute(ctx, "k", failingOp, nil)
	result, err := r.Execute(ctx, "k", succeedingOp, func(ctx context.Context) (any, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fallback", result)
}

func TestMonitoringWindowAgesOutFailures(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, MonitoringPeriod: 5 * time.Minute})
	ctx := context.Background()

	_, _ = r.Execute(ctx, "k", failingOp, nil)
	_, _ = r.Execute(ctx, "k", failingOp, nil)

	// Old failures no longer count after the monitoring period.
	clock.Advance(6 * time.Minute)
	_, _ = r.Execute(ctx, "k", failingOp, nil)

	stats, _ := r.Stats("k")
	require.Equal(t, StateClosed, stats.State)
	require.Equal(t, 1, stats.Failures)
}

func TestForceOpenAndReset(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, DefaultConfig())
	ctx := context.Background()

	r.ForceOpen("ssh-operations")
	_, err := r.Execute(ctx, "ssh-operations", succeedingOp, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	r.Reset("ssh-operations")
	_, err = r.Execute(ctx, "ssh-operations", succeedingOp, nil)
	require.NoError(t, err)
}

func TestAutoRegistrationUsesDefaults(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, Config{FailureThreshold: 7, RecoveryTimeout: time.Minute, MonitoringPeriod: time.Minute})
	_, _ = r.Execute(context.Background(), "fresh", succeedingOp, nil)

	stats, ok := r.Stats("fresh")
	require.True(t, ok)
	require.Equal(t, 7, stats.Config.FailureThreshold)
}

func TestStatsUnknownKey(t *testing.T) {
	r := newTestRegistry(newFakeClock(), DefaultConfig())
	_, ok := r.Stats("never-used")
	require.False(t, ok)
}

func TestSweepEvictsIdleClosedBreakers(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, DefaultConfig())
	ctx := context.Background()

	_, _ = r.Execute(ctx, "idle", succeedingOp, nil)
	clock.Advance(2 * time.Hour)
	_, _ = r.Execute(ctx, "busy", succeedingOp, nil)

	require.Equal(t, 1, r.Sweep(time.Hour))
	_, ok := r.Stats("idle")
	require.False(t, ok)
	_, ok = r.Stats("busy")
	require.True(t, ok)
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	r := NewRegistry(zap.NewNop(),
		WithDefaults(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, MonitoringPeriod: time.Minute}),
		WithClock(clock.Now),
		WithStateChangeHook(func(key string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))
	ctx := context.Background()

	_, _ = r.Execute(ctx, "k", failingOp, nil)
	clock.Advance(2 * time.Second)
	_, _ = r.Execute(ctx, "k", succeedingOp, nil)

	require.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
