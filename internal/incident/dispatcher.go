package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/flapping"
	"github.com/sitemedic/sitemedic/internal/queue"
)

// CreateRequest is the control-plane request to open an incident.
type CreateRequest struct {
	SiteID         string         `json:"siteId" validate:"required"`
	ServerID       string         `json:"serverId" validate:"required"`
	TriggerType    string         `json:"triggerType" validate:"required"`
	Priority       string         `json:"priority,omitempty"`
	MaxFixAttempts int            `json:"maxFixAttempts,omitempty" validate:"omitempty,min=1,max=20"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
}

// CreateResult is the dispatch outcome. A flapping denial is a valid
// result, not an error.
type CreateResult struct {
	Success        bool       `json:"success"`
	IncidentID     string     `json:"incidentId,omitempty"`
	JobID          string     `json:"jobId,omitempty"`
	CorrelationID  string     `json:"correlationId,omitempty"`
	TraceID        string     `json:"traceId,omitempty"`
	State          string     `json:"state,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	ShouldEscalate bool       `json:"shouldEscalate,omitempty"`
	IncidentCount  int        `json:"incidentCount,omitempty"`
}

// Dispatcher turns incident triggers into queued NEW-state jobs.
type Dispatcher struct {
	queues        *queue.Manager
	flap          *flapping.Detector
	validate      *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
	defaultMaxFix int
	onDenied      func()
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDeniedHook registers a callback for flapping denials.
func WithDeniedHook(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.onDenied = fn }
}

// NewDispatcher creates a dispatcher. defaultMaxFix is applied when the
// request does not carry its own ceiling.
func NewDispatcher(queues *queue.Manager, flap *flapping.Detector, defaultMaxFix int, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queues:        queues,
		flap:          flap,
		validate:      validator.New(),
		logger:        logger.Named("dispatcher"),
		now:           time.Now,
		defaultMaxFix: defaultMaxFix,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateIncident validates the request, consults flapping prevention,
// and enqueues the NEW-state job.
func (d *Dispatcher) CreateIncident(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid incident request: %w", err)
	}

	decision := d.flap.CanCreateIncident(req.SiteID)
	if !decision.Allowed {
		d.logger.Warn("incident creation denied",
			zap.String("siteId", req.SiteID),
			zap.String("reason", decision.Reason),
			zap.Bool("shouldEscalate", decision.ShouldEscalate))
		if d.onDenied != nil {
			d.onDenied()
		}
		result := &CreateResult{
			Success:        false,
			Reason:         decision.Reason,
			ShouldEscalate: decision.ShouldEscalate,
			IncidentCount:  decision.IncidentCount,
		}
		if !decision.CooldownUntil.IsZero() {
			until := decision.CooldownUntil
			result.CooldownUntil = &until
		}
		return result, nil
	}

	incidentID := uuid.NewString()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	maxFix := req.MaxFixAttempts
	if maxFix == 0 {
		maxFix = d.defaultMaxFix
	}

	payload := &JobPayload{
		IncidentID:     incidentID,
		SiteID:         req.SiteID,
		ServerID:       req.ServerID,
		CurrentState:   StateNew,
		MaxFixAttempts: maxFix,
		Metadata:       map[string]any{},
		CorrelationID:  correlationID,
		TraceID:        traceID,
	}
	for k, v := range req.Metadata {
		payload.Metadata[k] = v
	}
	payload.Metadata["triggerType"] = req.TriggerType
	if req.Priority != "" {
		payload.Metadata["priority"] = req.Priority
	}
	payload.Metadata["createdAt"] = d.now().UTC().Format(time.RFC3339)

	jobID := fmt.Sprintf("%s-%s-%d", incidentID, StateNew, d.now().UnixMilli())
	job, err := d.queues.Enqueue(ctx, queue.QueueIncidents, JobProcessIncident, payload,
		queue.WithJobID(jobID),
		queue.WithPriority(queue.PriorityFromString(req.Priority)))
	if err != nil {
		return nil, fmt.Errorf("enqueueing incident: %w", err)
	}

	d.flap.RecordIncident(req.SiteID, incidentID)
	d.logger.Info("incident created",
		zap.String("incidentId", incidentID),
		zap.String("siteId", req.SiteID),
		zap.String("triggerType", req.TriggerType),
		zap.String("correlationId", correlationID))

	return &CreateResult{
		Success:       true,
		IncidentID:    incidentID,
		JobID:         job.ID,
		CorrelationID: correlationID,
		TraceID:       traceID,
		State:         string(StateNew),
	}, nil
}
