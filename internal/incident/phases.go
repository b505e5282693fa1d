package incident

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/probe"
)

// StateResult is what a phase executor reports back to the state
// machine. Success means the phase completed; a completed VERIFY phase
// carries the verification verdict in Data regardless of whether the
// site passed.
type StateResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// PhaseFunc executes the work for one state.
type PhaseFunc func(ctx context.Context, p *JobPayload) (*StateResult, error)

// Phases maps states to executors. The defaults cover the built-in
// pipeline; callers override individual states to plug in real fix and
// rollback tooling.
type Phases struct {
	funcs  map[State]PhaseFunc
	prober *probe.Prober
	logger *zap.Logger
	now    func() time.Time
}

// NewPhases builds the default executor set. prober is used by
// DISCOVERY and VERIFY to reach the site over HTTP.
func NewPhases(prober *probe.Prober, logger *zap.Logger) *Phases {
	ph := &Phases{
		funcs:  make(map[State]PhaseFunc),
		prober: prober,
		logger: logger.Named("phases"),
		now:    time.Now,
	}
	ph.funcs[StateNew] = ph.intake
	ph.funcs[StateDiscovery] = ph.discovery
	ph.funcs[StateBaseline] = ph.baseline
	ph.funcs[StateBackup] = ph.backup
	ph.funcs[StateObservability] = ph.observability
	ph.funcs[StateFixAttempt] = ph.fixAttempt
	ph.funcs[StateVerify] = ph.verify
	ph.funcs[StateRollback] = ph.rollback
	return ph
}

// Set replaces the executor for one state.
func (ph *Phases) Set(state State, fn PhaseFunc) {
	ph.funcs[state] = fn
}

// Get returns the executor for a state.
func (ph *Phases) Get(state State) (PhaseFunc, bool) {
	fn, ok := ph.funcs[state]
	return fn, ok
}

func (ph *Phases) intake(ctx context.Context, p *JobPayload) (*StateResult, error) {
	return &StateResult{Success: true, Data: map[string]any{
		"intakeTime": ph.now().UTC().Format(time.RFC3339),
	}}, nil
}

// discovery probes the site to capture its current reachability.
func (ph *Phases) discovery(ctx context.Context, p *JobPayload) (*StateResult, error) {
	data := map[string]any{"discoveredAt": ph.now().UTC().Format(time.RFC3339)}
	if url := ph.siteURL(p); url != "" {
		result, err := ph.prober.Probe(ctx, url)
		if err != nil {
			data["siteReachable"] = false
		} else {
			data["siteReachable"] = result.OK
			data["siteStatus"] = result.Status
		}
	}
	return &StateResult{Success: true, Data: data}, nil
}

func (ph *Phases) baseline(ctx context.Context, p *JobPayload) (*StateResult, error) {
	return &StateResult{Success: true, Data: map[string]any{
		"baselineCapturedAt": ph.now().UTC().Format(time.RFC3339),
	}}, nil
}

func (ph *Phases) backup(ctx context.Context, p *JobPayload) (*StateResult, error) {
	return &StateResult{Success: true, Data: map[string]any{
		"backupCreated": true,
		"backupTime":    ph.now().UTC().Format(time.RFC3339),
	}}, nil
}

func (ph *Phases) observability(ctx context.Context, p *JobPayload) (*StateResult, error) {
	return &StateResult{Success: true, Data: map[string]any{
		"observabilityEnabled": true,
	}}, nil
}

// fixAttempt is a placeholder that records the attempt. Deployments
// replace it with the real remediation runner via Set.
func (ph *Phases) fixAttempt(ctx context.Context, p *JobPayload) (*StateResult, error) {
	ph.logger.Info("fix attempt executed",
		zap.String("incidentId", p.IncidentID),
		zap.Int("fixAttempts", p.FixAttempts))
	return &StateResult{Success: true, Data: map[string]any{
		"fixApplied": true,
		"fixTime":    ph.now().UTC().Format(time.RFC3339),
	}}, nil
}

// verify probes the site and reports the verdict. A failed verification
// is still a completed phase; the verdict drives the transition guards.
func (ph *Phases) verify(ctx context.Context, p *JobPayload) (*StateResult, error) {
	url := ph.siteURL(p)
	if url == "" {
		return &StateResult{Success: true, Data: map[string]any{
			"verificationPassed": false,
			"verificationError":  "no site url to verify",
		}}, nil
	}
	result, err := ph.prober.Probe(ctx, url)
	if err != nil {
		return &StateResult{Success: true, Data: map[string]any{
			"verificationPassed": false,
			"verificationError":  err.Error(),
		}}, nil
	}
	return &StateResult{Success: true, Data: map[string]any{
		"verificationPassed": result.OK,
		"verificationStatus": result.Status,
	}}, nil
}

func (ph *Phases) rollback(ctx context.Context, p *JobPayload) (*StateResult, error) {
	ph.logger.Warn("rolling back incident",
		zap.String("incidentId", p.IncidentID),
		zap.String("siteId", p.SiteID))
	return &StateResult{Success: true, Data: map[string]any{
		"rolledBack":   true,
		"rollbackTime": ph.now().UTC().Format(time.RFC3339),
	}}, nil
}

func (ph *Phases) siteURL(p *JobPayload) string {
	v, ok := p.meta("siteUrl")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
