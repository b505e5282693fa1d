// Package watchdog provides bounded loop accounting: iteration, retry,
// wall-clock, and idle-time ceilings for any named long-running activity.
// The "loop" here is an accounting abstraction; control flow stays with
// the caller, which must consult CanContinue before each step.
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BoundType identifies which ceiling tripped.
type BoundType string

const (
	BoundIterations BoundType = "iterations"
	BoundRetries    BoundType = "retries"
	BoundWallClock  BoundType = "wall-clock"
	BoundIdleTime   BoundType = "idle-time"
)

// Caps are the ceilings applied to one loop kind. Zero values mean
// unlimited for that dimension.
type Caps struct {
	MaxIterations int
	MaxRetries    int
	MaxWallClock  time.Duration
	MaxIdleTime   time.Duration
}

// DefaultCaps returns the conservative default ceilings.
func DefaultCaps() Caps {
	return Caps{
		MaxIterations: 50,
		MaxRetries:    10,
		MaxWallClock:  10 * time.Minute,
		MaxIdleTime:   2 * time.Minute,
	}
}

// Verdict is the result of a CanContinue check.
type Verdict struct {
	CanContinue bool
	Reason      string
	BoundType   BoundType
}

// LoopContext is a defensive copy of one loop's accounting state.
type LoopContext struct {
	LoopID         string
	Kind           string
	Iterations     int
	Retries        int
	StartedAt      time.Time
	LastActivityAt time.Time
	Caps           Caps
	Completed      bool
	Success        bool
}

type loopRecord struct {
	kind           string
	caps           Caps
	iterations     int
	retries        int
	startedAt      time.Time
	lastActivityAt time.Time
	completed      bool
	success        bool
}

// Guard tracks active loops and enforces their ceilings.
type Guard struct {
	mu       sync.Mutex
	loops    map[string]*loopRecord
	kindCaps map[string]Caps
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithKindCaps sets the ceilings applied to loops of the given kind when
// StartLoop is called without explicit caps.
func WithKindCaps(kind string, caps Caps) Option {
	return func(g *Guard) { g.kindCaps[kind] = caps }
}

// NewGuard creates a loop guard.
func NewGuard(logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		loops:    make(map[string]*loopRecord),
		kindCaps: make(map[string]Caps),
		logger:   logger.Named("watchdog"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartLoop registers a loop. Explicit caps win over per-kind caps, which
// win over defaults. Restarting an existing id resets its accounting.
func (g *Guard) StartLoop(id, kind string, caps *Caps) LoopContext {
	g.mu.Lock()
	defer g.mu.Unlock()

	effective := DefaultCaps()
	if kindCaps, ok := g.kindCaps[kind]; ok {
		effective = kindCaps
	}
	if caps != nil {
		effective = *caps
	}

	now := g.now()
	rec := &loopRecord{
		kind:           kind,
		caps:           effective,
		startedAt:      now,
		lastActivityAt: now,
	}
	g.loops[id] = rec
	return g.snapshotLocked(id, rec)
}

// CanContinue reports whether the loop may take another step, naming the
// first ceiling that tripped otherwise. An unknown loop id cannot
// continue; the caller forgot StartLoop.
func (g *Guard) CanContinue(id string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.loops[id]
	if !ok {
		return Verdict{CanContinue: false, Reason: "loop " + id + " is not registered"}
	}
	if rec.completed {
		return Verdict{CanContinue: false, Reason: "loop " + id + " already completed"}
	}

	now := g.now()
	if rec.caps.MaxIterations > 0 && rec.iterations >= rec.caps.MaxIterations {
		return g.trippedLocked(id, rec, BoundIterations, "iteration cap reached")
	}
	if rec.caps.MaxRetries > 0 && rec.retries >= rec.caps.MaxRetries {
		return g.trippedLocked(id, rec, BoundRetries, "retry cap reached")
	}
	if rec.caps.MaxWallClock > 0 && now.Sub(rec.startedAt) >= rec.caps.MaxWallClock {
		return g.trippedLocked(id, rec, BoundWallClock, "wall clock cap reached")
	}
	if rec.caps.MaxIdleTime > 0 && now.Sub(rec.lastActivityAt) >= rec.caps.MaxIdleTime {
		return g.trippedLocked(id, rec, BoundIdleTime, "idle time cap reached")
	}
	return Verdict{CanContinue: true}
}

// RecordIteration counts one iteration. Exceeding a cap here is not
// fatal; the next CanContinue reports it so the caller can shut down
// cleanly with the right diagnostics.
func (g *Guard) RecordIteration(id string, details ...zap.Field) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.loops[id]
	if !ok {
		return
	}
	rec.iterations++
	rec.lastActivityAt = g.now()
	if len(details) > 0 {
		g.logger.Debug("loop iteration",
			append([]zap.Field{zap.String("loop_id", id), zap.Int("iterations", rec.iterations)}, details...)...)
	}
}

// RecordRetry counts one retry with its cause.
func (g *Guard) RecordRetry(id, cause string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.loops[id]
	if !ok {
		return
	}
	rec.retries++
	rec.lastActivityAt = g.now()
	g.logger.Debug("loop retry",
		zap.String("loop_id", id),
		zap.Int("retries", rec.retries),
		zap.String("cause", cause))
}

// CompleteLoop marks the loop finished. Completed loops stay readable via
// Context until swept.
func (g *Guard) CompleteLoop(id string, success bool, note string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.loops[id]
	if !ok {
		return
	}
	rec.completed = true
	rec.success = success
	rec.lastActivityAt = g.now()

	level := g.logger.Info
	if !success {
		level = g.logger.Warn
	}
	level("loop completed",
		zap.String("loop_id", id),
		zap.String("kind", rec.kind),
		zap.Bool("success", success),
		zap.Int("iterations", rec.iterations),
		zap.Int("retries", rec.retries),
		zap.String("note", note))
}

// Context returns a copy of the loop's accounting, or false if unknown.
func (g *Guard) Context(id string) (LoopContext, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.loops[id]
	if !ok {
		return LoopContext{}, false
	}
	return g.snapshotLocked(id, rec), true
}

// Sweep drops completed loops idle longer than olderThan and abandoned
// loops (never completed, no activity) twice as old. Returns the count.
func (g *Guard) Sweep(olderThan time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	dropped := 0
	for id, rec := range g.loops {
		age := now.Sub(rec.lastActivityAt)
		if (rec.completed && age >= olderThan) || (!rec.completed && age >= 2*olderThan) {
			delete(g.loops, id)
			dropped++
		}
	}
	return dropped
}

func (g *Guard) trippedLocked(id string, rec *loopRecord, bound BoundType, reason string) Verdict {
	g.logger.Warn("loop bound exceeded",
		zap.String("loop_id", id),
		zap.String("kind", rec.kind),
		zap.String("bound", string(bound)),
		zap.Int("iterations", rec.iterations),
		zap.Int("retries", rec.retries))
	return Verdict{CanContinue: false, Reason: reason, BoundType: bound}
}

func (g *Guard) snapshotLocked(id string, rec *loopRecord) LoopContext {
	return LoopContext{
		LoopID:         id,
		Kind:           rec.kind,
		Iterations:     rec.iterations,
		Retries:        rec.retries,
		StartedAt:      rec.startedAt,
		LastActivityAt: rec.lastActivityAt,
		Caps:           rec.caps,
		Completed:      rec.completed,
		Success:        rec.success,
	}
}
