// Package audit records operator and system actions to Postgres.
// Recording is best effort: an unreachable database never blocks the
// action being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Event is one audited action.
type Event struct {
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
}

// ActionCount aggregates events per action over a window.
type ActionCount struct {
	Action string
	Count  int64
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Recorder writes audit events.
type Recorder struct {
	db     db
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates an audit recorder backed by db.
func NewRecorder(database db, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		db:     database,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record inserts an audit event. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r.db == nil {
		return
	}
	var details []byte
	if ev.Details != nil {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			r.logger.Warn("audit details not serializable",
				zap.String("action", ev.Action), zap.Error(err))
			details = nil
		}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_event (id, actor, action, resource, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), ev.Actor, ev.Action, ev.Resource, ev.ResourceID, details, r.now().UTC())
	if err != nil {
		r.logger.Warn("audit event not recorded",
			zap.String("action", ev.Action),
			zap.String("resource", ev.Resource),
			zap.Error(err))
	}
}

// Summary returns event counts per action since the given time, most
// frequent first.
func (r *Recorder) Summary(ctx context.Context, since time.Time) ([]ActionCount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT action, COUNT(*) FROM audit_event
		 WHERE created_at >= $1
		 GROUP BY action ORDER BY COUNT(*) DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionCount
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}
