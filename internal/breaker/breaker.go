// Package breaker implements a registry of named circuit breakers guarding
// remediation operations. Each breaker follows the classic three-state
// machine (closed, open, half-open) with a sliding monitoring window that
// ages out stale failure and success counts.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Execute when admission is denied and no
// fallback was supplied. Check with errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the admission state of a single breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds per-breaker thresholds.
type Config struct {
	// FailureThreshold is the windowed failure count that opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting a
	// half-open probe.
	RecoveryTimeout time.Duration
	// MonitoringPeriod ages out counters: a failure (or success) older than
	// this no longer contributes to the window.
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 300 * time.Second,
	}
}

// Stats is a point-in-time defensive copy of one breaker's state.
type Stats struct {
	Key           string
	State         State
	Failures      int
	Successes     int
	LastFailureAt time.Time
	LastSuccessAt time.Time
	NextAttemptAt time.Time
	Config        Config
}

// Operation is the unit of work guarded by a breaker.
type Operation func(ctx context.Context) (any, error)

// record is the mutable state of a single breaker. All fields are guarded
// by mu; the guarded operation itself runs outside the lock.
type record struct {
	mu sync.Mutex

	cfg           Config
	state         State
	failures      int
	successes     int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextAttemptAt time.Time
	lastUsedAt    time.Time

	// probeInFlight enforces the single-probe rule in half-open state.
	probeInFlight bool
}

// Registry manages breakers by key. Unknown keys are registered lazily
// with default config on first use.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*record
	defaults Config
	logger   *zap.Logger

	// now is replaceable in tests.
	now func() time.Time

	// onStateChange, when set, is invoked outside record locks after every
	// transition. Used to keep the breaker-state gauge current.
	onStateChange func(key string, from, to State)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithDefaults overrides the config applied to lazily registered breakers.
func WithDefaults(cfg Config) Option {
	return func(r *Registry) { r.defaults = cfg }
}

// WithStateChangeHook registers a transition callback.
func WithStateChangeHook(hook func(key string, from, to State)) Option {
	return func(r *Registry) { r.onStateChange = hook }
}

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		records:  make(map[string]*record),
		defaults: DefaultConfig(),
		logger:   logger.Named("breaker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a breaker with explicit config. Re-registering an
// existing key replaces its config but preserves its state.
func (r *Registry) Register(key string, cfg Config) {
	rec := r.get(key)
	rec.mu.Lock()
	rec.cfg = cfg
	rec.mu.Unlock()
}

// Execute runs op under the breaker for key. When admission is denied the
// fallback (if non-nil) is invoked instead; with no fallback Execute fails
// with ErrCircuitOpen. An op error is returned as-is after being counted.
func (r *Registry) Execute(ctx context.Context, key string, op Operation, fallback Operation) (any, error) {
	rec := r.get(key)

	admitted, probe, transition := rec.admit(r.now())
	r.notify(key, transition)

	if !admitted {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	result, err := op(ctx)
	now := r.now()
	if err != nil {
		r.notify(key, rec.recordFailure(now, probe))
		return nil, err
	}
	r.notify(key, rec.recordSuccess(now, probe))
	return result, nil
}

// Stats returns a defensive copy of the breaker's state, or false when the
// key has never been used.
func (r *Registry) Stats(key string) (Stats, bool) {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Stats{
		Key:           key,
		State:         rec.state,
		Failures:      rec.failures,
		Successes:     rec.successes,
		LastFailureAt: rec.lastFailureAt,
		LastSuccessAt: rec.lastSuccessAt,
		NextAttemptAt: rec.nextAttemptAt,
		Config:        rec.cfg,
	}, true
}

// Keys lists all registered breaker keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	return keys
}

// ForceOpen trips a breaker for operator intervention. The breaker stays
// open for its recovery timeout as if it had just tripped.
func (r *Registry) ForceOpen(key string) {
	rec := r.get(key)
	rec.mu.Lock()
	from := rec.state
	rec.state = StateOpen
	rec.nextAttemptAt = r.now().Add(rec.cfg.RecoveryTimeout)
	rec.probeInFlight = false
	rec.mu.Unlock()
	r.logger.Warn("breaker forced open", zap.String("key", key))
	r.notify(key, &stateChange{from: from, to: StateOpen})
}

// Reset returns a breaker to closed with zeroed counters.
func (r *Registry) Reset(key string) {
	rec := r.get(key)
	rec.mu.Lock()
	from := rec.state
	rec.state = StateClosed
	rec.failures = 0
	rec.successes = 0
	rec.nextAttemptAt = time.Time{}
	rec.probeInFlight = false
	rec.mu.Unlock()
	r.logger.Info("breaker reset", zap.String("key", key))
	r.notify(key, &stateChange{from: from, to: StateClosed})
}

// Sweep evicts breakers idle longer than olderThan. Returns the number
// evicted. Closed idle breakers carry no information worth keeping.
func (r *Registry) Sweep(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, rec := range r.records {
		rec.mu.Lock()
		stale := rec.state == StateClosed && rec.lastUsedAt.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			delete(r.records, key)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) get(key string) *record {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if ok {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[key]; ok {
		return rec
	}
	rec = &record{cfg: r.defaults, state: StateClosed}
	r.records[key] = rec
	return rec
}

type stateChange struct {
	from, to State
}

func (r *Registry) notify(key string, tr *stateChange) {
	if tr == nil || r.onStateChange == nil || tr.from == tr.to {
		return
	}
	r.onStateChange(key, tr.from, tr.to)
}

// admit decides whether an operation may run. Returns whether execution is
// admitted, whether it is the half-open probe, and any state transition
// that occurred.
func (rec *record) admit(now time.Time) (admitted, probe bool, tr *stateChange) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.lastUsedAt = now
	rec.ageCounters(now)

	switch rec.state {
	case StateClosed:
		return true, false, nil
	case StateOpen:
		if now.Before(rec.nextAttemptAt) {
			return false, false, nil
		}
		rec.state = StateHalfOpen
		rec.probeInFlight = true
		return true, true, &stateChange{from: StateOpen, to: StateHalfOpen}
	case StateHalfOpen:
		// Exactly one probe at a time.
		if rec.probeInFlight {
			return false, false, nil
		}
		rec.probeInFlight = true
		return true, true, nil
	default:
		return false, false, nil
	}
}

func (rec *record) recordSuccess(now time.Time, probe bool) *stateChange {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.successes++
	rec.lastSuccessAt = now
	if probe {
		rec.probeInFlight = false
	}
	if rec.state == StateHalfOpen {
		rec.state = StateClosed
		rec.failures = 0
		rec.successes = 0
		rec.nextAttemptAt = time.Time{}
		return &stateChange{from: StateHalfOpen, to: StateClosed}
	}
	return nil
}

func (rec *record) recordFailure(now time.Time, probe bool) *stateChange {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.failures++
	rec.lastFailureAt = now
	if probe {
		rec.probeInFlight = false
	}
	switch rec.state {
	case StateHalfOpen:
		// Failed probe: back to open, extend the recovery deadline.
		rec.state = StateOpen
		rec.nextAttemptAt = now.Add(rec.cfg.RecoveryTimeout)
		return &stateChange{from: StateHalfOpen, to: StateOpen}
	case StateClosed:
		if rec.failures >= rec.cfg.FailureThreshold {
			rec.state = StateOpen
			rec.nextAttemptAt = now.Add(rec.cfg.RecoveryTimeout)
			rec.failures = 0
			rec.successes = 0
			return &stateChange{from: StateClosed, to: StateOpen}
		}
	}
	return nil
}

// ageCounters implements the monitoring window: counters older than the
// monitoring period no longer count. Approximate sliding window, not a
// strict tumbling one.
func (rec *record) ageCounters(now time.Time) {
	if rec.cfg.MonitoringPeriod <= 0 {
		return
	}
	cutoff := now.Add(-rec.cfg.MonitoringPeriod)
	if rec.failures > 0 && rec.lastFailureAt.Before(cutoff) {
		rec.failures = 0
	}
	if rec.successes > 0 && rec.lastSuccessAt.Before(cutoff) {
		rec.successes = 0
	}
}
