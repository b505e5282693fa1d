package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/breaker"
	"github.com/sitemedic/sitemedic/internal/flapping"
	"github.com/sitemedic/sitemedic/internal/idempotency"
	"github.com/sitemedic/sitemedic/internal/queue"
	"github.com/sitemedic/sitemedic/internal/watchdog"
)

// breakerFallback is the result returned when a state's circuit denies
// execution.
const breakerFallbackError = "Circuit breaker activated"

// Processor runs one incident job through its current state: policy
// checks, the circuit-gated phase executor, checkpoints, and exactly
// one successor enqueue.
type Processor struct {
	queues   *queue.Manager
	breakers *breaker.Registry
	flap     *flapping.Detector
	idem     *idempotency.Store
	guard    *watchdog.Guard
	phases   *Phases
	logger   *zap.Logger
	now      func() time.Time

	onTerminal  func(result string)
	onEscalated func(p *JobPayload)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorClock overrides the time source.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(pr *Processor) { pr.now = now }
}

// WithTerminalHook registers a callback for terminal outcomes
// ("fixed", "escalated", "denied").
func WithTerminalHook(fn func(result string)) ProcessorOption {
	return func(pr *Processor) { pr.onTerminal = fn }
}

// WithEscalationHook registers a callback invoked when an incident is
// escalated.
func WithEscalationHook(fn func(p *JobPayload)) ProcessorOption {
	return func(pr *Processor) { pr.onEscalated = fn }
}

// NewProcessor wires the state machine to its collaborators.
func NewProcessor(
	queues *queue.Manager,
	breakers *breaker.Registry,
	flap *flapping.Detector,
	idem *idempotency.Store,
	guard *watchdog.Guard,
	phases *Phases,
	logger *zap.Logger,
	opts ...ProcessorOption,
) *Processor {
	pr := &Processor{
		queues:   queues,
		breakers: breakers,
		flap:     flap,
		idem:     idem,
		guard:    guard,
		phases:   phases,
		logger:   logger.Named("incident"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(pr)
	}
	return pr
}

// RegisterHandlers binds the incident job names to this processor.
func (pr *Processor) RegisterHandlers(registry *queue.HandlerRegistry) {
	registry.Register(JobProcessIncident, pr.Process)
	registry.Register(JobEscalateIncident, pr.HandleEscalation)
}

// RegisterCircuits pre-registers the operation breakers used by phase
// executors. Per-state breakers are auto-registered on first use.
func (pr *Processor) RegisterCircuits(cfg breaker.Config) {
	for _, key := range []string{"ssh-operations", "fix-attempts", "verification", "database-operations"} {
		pr.breakers.Register(key, cfg)
	}
}

// Process handles one PROCESS_INCIDENT job.
func (pr *Processor) Process(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding incident payload: %w", err)
	}

	log := pr.logger.With(
		zap.String("incidentId", p.IncidentID),
		zap.String("siteId", p.SiteID),
		zap.String("state", string(p.CurrentState)),
		zap.String("correlationId", p.CorrelationID))

	// Retries of the same state resume the existing loop so its
	// accounting spans attempts.
	loopID := fmt.Sprintf("incident-%s-%s", p.IncidentID, p.CurrentState)
	if lc, ok := pr.guard.Context(loopID); !ok || lc.Completed {
		pr.guard.StartLoop(loopID, "incident", nil)
	}

	if p.CurrentState.Terminal() {
		pr.finishTerminal(ctx, &p, loopID, log)
		return nil
	}

	// Flapping gate. A site that entered cooldown mid-flight stops
	// progressing; with enough churn it escalates instead.
	decision := pr.flap.CanCreateIncident(p.SiteID)
	if !decision.Allowed {
		if decision.ShouldEscalate {
			if err := pr.enqueueEscalation(ctx, &p, "site flapping beyond escalation threshold"); err != nil {
				return err
			}
		}
		log.Warn("incident processing denied", zap.String("reason", decision.Reason))
		pr.guard.CompleteLoop(loopID, false, decision.Reason)
		if pr.onTerminal != nil && !decision.ShouldEscalate {
			pr.onTerminal("denied")
		}
		return nil
	}

	check := pr.idem.Check(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, p.Metadata)
	if check.IsIdempotent {
		log.Info("idempotent replay, returning cached result")
		pr.guard.CompleteLoop(loopID, true, "idempotent replay")
		return nil
	}

	pr.idem.CreateCheckpoint(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, 10, nil)

	to, ok := nextTransition(&p)
	if !ok {
		log.Error("no valid transition from state")
		pr.guard.CompleteLoop(loopID, false, "no valid transition")
		return nil
	}

	pr.idem.CreateCheckpoint(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, 30,
		map[string]any{"to": string(to)})

	if verdict := pr.guard.CanContinue(loopID); !verdict.CanContinue {
		log.Error("loop bounds exceeded",
			zap.String("bound", string(verdict.BoundType)),
			zap.String("reason", verdict.Reason))
		if err := pr.enqueueEscalation(ctx, &p, verdict.Reason); err != nil {
			return err
		}
		pr.guard.CompleteLoop(loopID, false, verdict.Reason)
		return nil
	}

	pr.guard.RecordIteration(loopID, zap.String("to", string(to)))
	result := pr.executePhase(ctx, &p)
	pr.idem.CreateCheckpoint(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, 70,
		map[string]any{"success": result.Success, "error": result.Error})

	var finishErr error
	if result.Success {
		finishErr = pr.advance(ctx, &p, result, log)
	} else {
		pr.guard.RecordRetry(loopID, result.Error)
		pr.flap.RecordResolution(p.SiteID, p.IncidentID, false)
		finishErr = pr.handleStateFailure(ctx, &p, result, log)
	}
	if finishErr != nil {
		return finishErr
	}

	pr.idem.CreateCheckpoint(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, 100, nil)
	pr.idem.StoreResult(ctx, check.Key, map[string]any{
		"success": result.Success,
		"error":   result.Error,
		"data":    result.Data,
	})
	// A failed state leaves its loop open so the retry resumes the same
	// accounting; it is closed once the state succeeds or escalates.
	if result.Success || p.FixAttempts >= p.MaxFixAttempts {
		pr.guard.CompleteLoop(loopID, result.Success, result.Error)
	}
	return nil
}

// executePhase runs the current state's executor behind its circuit.
func (pr *Processor) executePhase(ctx context.Context, p *JobPayload) *StateResult {
	key := "state-" + strings.ToLower(string(p.CurrentState))
	out, err := pr.breakers.Execute(ctx, key,
		func(ctx context.Context) (any, error) {
			fn, ok := pr.phases.Get(p.CurrentState)
			if !ok {
				return nil, fmt.Errorf("no phase executor for state %s", p.CurrentState)
			}
			return fn(ctx, p)
		},
		func(ctx context.Context) (any, error) {
			return &StateResult{Success: false, Error: breakerFallbackError}, nil
		})
	if err != nil {
		return &StateResult{Success: false, Error: err.Error()}
	}
	result, ok := out.(*StateResult)
	if !ok || result == nil {
		return &StateResult{Success: false, Error: "phase executor returned no result"}
	}
	return result
}

// advance merges executor data and enqueues the successor job. A failed
// verification counts as a fix attempt before the transition guards are
// re-evaluated.
func (pr *Processor) advance(ctx context.Context, p *JobPayload, result *StateResult, log *zap.Logger) error {
	p.mergeMeta(result.Data)
	if p.CurrentState == StateVerify && !p.metaBool("verificationPassed") {
		p.FixAttempts++
	}

	to, ok := nextTransition(p)
	if !ok {
		log.Error("no valid transition after phase execution")
		return nil
	}

	if to == StateEscalated {
		return pr.enqueueEscalation(ctx, p, "fix attempts exhausted, rollback executed")
	}

	next := p.clone()
	next.CurrentState = to
	next.setMeta("previousState", string(p.CurrentState))
	next.setMeta("transitionTime", pr.now().UTC().Format(time.RFC3339))

	_, err := pr.enqueueProcess(ctx, next, transitionDelay(to))
	if err != nil {
		return fmt.Errorf("enqueueing successor %s: %w", to, err)
	}
	log.Info("state transition",
		zap.String("to", string(to)),
		zap.Int("fixAttempts", next.FixAttempts))
	return nil
}

// handleStateFailure retries the current state with exponential backoff
// or escalates once attempts are exhausted.
func (pr *Processor) handleStateFailure(ctx context.Context, p *JobPayload, result *StateResult, log *zap.Logger) error {
	if p.CurrentState == StateFixAttempt {
		p.FixAttempts++
	}
	if p.FixAttempts >= p.MaxFixAttempts {
		log.Warn("fix attempts exhausted, escalating",
			zap.Int("fixAttempts", p.FixAttempts),
			zap.String("error", result.Error))
		return pr.enqueueEscalation(ctx, p, fmt.Sprintf("state %s failed after %d attempts: %s",
			p.CurrentState, p.FixAttempts, result.Error))
	}

	retry := p.clone()
	delay := retryBackoff(p.FixAttempts)
	_, err := pr.enqueueProcess(ctx, retry, delay)
	if err != nil {
		return fmt.Errorf("enqueueing state retry: %w", err)
	}
	log.Warn("state failed, retrying",
		zap.String("error", result.Error),
		zap.Duration("backoff", delay),
		zap.Int("fixAttempts", p.FixAttempts))
	return nil
}

func (pr *Processor) enqueueProcess(ctx context.Context, p *JobPayload, delay time.Duration) (*queue.Job, error) {
	return pr.queues.Enqueue(ctx, queue.QueueIncidents, JobProcessIncident, p,
		queue.WithJobID(pr.jobID(p.IncidentID, p.CurrentState)),
		queue.WithDelay(delay),
		queue.WithPriority(pr.priority(p)))
}

func (pr *Processor) enqueueEscalation(ctx context.Context, p *JobPayload, reason string) error {
	esc := p.clone()
	esc.CurrentState = StateEscalated
	esc.setMeta("escalationReason", reason)
	esc.setMeta("escalationTime", pr.now().UTC().Format(time.RFC3339))

	_, err := pr.queues.Enqueue(ctx, queue.QueueIncidents, JobEscalateIncident, esc,
		queue.WithJobID(pr.jobID(esc.IncidentID, esc.CurrentState)),
		queue.WithPriority(queue.PriorityCritical))
	if err != nil {
		return fmt.Errorf("enqueueing escalation: %w", err)
	}
	return nil
}

// HandleEscalation handles one ESCALATE_INCIDENT job. Escalation hands
// the incident to a human; the machine's part ends here.
func (pr *Processor) HandleEscalation(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding escalation payload: %w", err)
	}
	reason, _ := p.meta("escalationReason")
	pr.logger.Warn("incident escalated",
		zap.String("incidentId", p.IncidentID),
		zap.String("siteId", p.SiteID),
		zap.Any("reason", reason),
		zap.Int("fixAttempts", p.FixAttempts))

	pr.flap.RecordResolution(p.SiteID, p.IncidentID, false)
	if pr.onTerminal != nil {
		pr.onTerminal("escalated")
	}
	if pr.onEscalated != nil {
		pr.onEscalated(&p)
	}
	return nil
}

// finishTerminal closes out a job that arrived in a terminal state.
func (pr *Processor) finishTerminal(ctx context.Context, p *JobPayload, loopID string, log *zap.Logger) {
	switch p.CurrentState {
	case StateFixed:
		pr.flap.RecordResolution(p.SiteID, p.IncidentID, true)
		if pr.onTerminal != nil {
			pr.onTerminal("fixed")
		}
		log.Info("incident fixed", zap.Int("fixAttempts", p.FixAttempts))
	case StateEscalated:
		pr.flap.RecordResolution(p.SiteID, p.IncidentID, false)
		if pr.onTerminal != nil {
			pr.onTerminal("escalated")
		}
	}
	pr.idem.CreateCheckpoint(ctx, p.IncidentID, string(p.CurrentState), p.FixAttempts, 100, p.Metadata)
	pr.guard.CompleteLoop(loopID, p.CurrentState == StateFixed, string(p.CurrentState))
}

func (pr *Processor) jobID(incidentID string, state State) string {
	return fmt.Sprintf("%s-%s-%d", incidentID, state, pr.now().UnixMilli())
}

func (pr *Processor) priority(p *JobPayload) int {
	v, ok := p.meta("priority")
	if !ok {
		return queue.PriorityMedium
	}
	s, _ := v.(string)
	return queue.PriorityFromString(s)
}

func (p *JobPayload) clone() *JobPayload {
	q := *p
	q.Metadata = maps.Clone(p.Metadata)
	return &q
}
