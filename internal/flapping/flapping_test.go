package flapping

import (
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
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
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

func newTestDetector(clock *fakeClock, cfg Config) *Detector {
	return NewDetector(cfg, zap.NewNop(), WithClock(clock.Now))
}

func TestAllowsBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, DefaultConfig())

	for i := 0; i < 2; i++ {
		decision := d.CanCreateIncident("site-1")
		require.True(t, decision.Allowed)
		d.RecordIncident("site-1", "inc")
	}
}

func TestFlappingCooldownScenario(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	})

	// Four incidents for the same site within 60 seconds: the first three
	// are recorded, the fourth attempt is denied with a cooldown.
	for i := 0; i < 3; i++ {
		decision := d.CanCreateIncident("S7")
		require.True(t, decision.Allowed)
		d.RecordIncident("S7", "inc")
		clock.Advance(20 * time.Second)
	}

	decision := d.CanCreateIncident("S7")
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "flapping")
	require.True(t, decision.IsFlapping)
	require.Equal(t, clock.Now().Add(600*time.Second), decision.CooldownUntil)
	require.False(t, decision.ShouldEscalate)

	// While the cooldown is active every check is denied.
	clock.Advance(300 * time.Second)
	decision = d.CanCreateIncident("S7")
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "cooldown")

	// Past the cooldown the window has also drained; creation is allowed
	// again and flapping is cleared.
	clock.Advance(302 * time.Second)
	decision = d.CanCreateIncident("S7")
	require.True(t, decision.Allowed)
	d.RecordIncident("S7", "inc")

	status, ok := d.Status("S7")
	require.True(t, ok)
	require.Equal(t, 1, status.IncidentCount)
	require.False(t, status.IsFlapping)
}

func TestEscalationFlagIsSticky(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	})

	for i := 0; i < 5; i++ {
		d.RecordIncident("site-9", "inc")
	}
	decision := d.CanCreateIncident("site-9")
	require.False(t, decision.Allowed)
	require.True(t, decision.ShouldEscalate)

	// The flag survives cooldown expiry and window drain.
	clock.Advance(700 * time.Second)
	decision = d.CanCreateIncident("site-9")
	require.True(t, decision.Allowed)
	require.True(t, decision.ShouldEscalate)

	// Only an operator reset clears it.
	d.ResetSite("site-9")
	decision = d.CanCreateIncident("site-9")
	require.False(t, decision.ShouldEscalate)
}

func TestSuccessfulResolutionForgivesOneIncident(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, DefaultConfig())

	d.RecordIncident("site-2", "a")
	d.RecordIncident("site-2", "b")
	d.RecordResolution("site-2", "a", true)

	status, _ := d.Status("site-2")
	require.Equal(t, 1, status.IncidentCount)

	// Failed resolutions forgive nothing.
	d.RecordResolution("site-2", "b", false)
	status, _ = d.Status("site-2")
	require.Equal(t, 1, status.IncidentCount)
}

func TestNoForgivenessWhileFlapping(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 2,
		EscalationThreshold:   5,
	})

	d.RecordIncident("site-3", "a")
	d.RecordIncident("site-3", "b")
	require.False(t, d.CanCreateIncident("site-3").Allowed)

	d.RecordResolution("site-3", "a", true)
	status, _ := d.Status("site-3")
	require.Equal(t, 2, status.IncidentCount)
}

func TestZeroWindowAllowsUnlimited(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        0,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	})

	for i := 0; i < 20; i++ {
		decision := d.CanCreateIncident("site-4")
		require.True(t, decision.Allowed)
		d.RecordIncident("site-4", "inc")
	}
}

func TestClearCooldown(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 1,
		EscalationThreshold:   1,
	})

	d.RecordIncident("site-5", "a")
	require.False(t, d.CanCreateIncident("site-5").Allowed)

	d.ClearCooldown("site-5")
	status, _ := d.Status("site-5")
	require.False(t, status.IsFlapping)
	require.False(t, status.ShouldEscalate)
	require.True(t, status.CooldownUntil.IsZero())
}

func TestSweepKeepsEscalatedAndCoolingSites(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock, Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 1,
		EscalationThreshold:   1,
	})

	d.RecordIncident("hot", "a")
	require.False(t, d.CanCreateIncident("hot").Allowed) // cooldown + escalate
	d.RecordIncident("quiet", "b")

	clock.Advance(2 * time.Hour)
	dropped := d.Sweep(time.Hour)
	require.Equal(t, 1, dropped)

	_, ok := d.Status("quiet")
	require.False(t, ok)
	_, ok = d.Status("hot")
	require.True(t, ok)
}
