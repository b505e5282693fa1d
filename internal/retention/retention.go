// Package retention implements bounded, risk-assessed purging of aged
// operational data. Every execution is validated against hard caps,
// scored for risk, and recorded in the purge audit trail.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Hard caps. Requests beyond these are rejected regardless of operator
// confirmation.
const (
	MaxRetentionDays = 7
	MaxRecordsCap    = 100_000
)

var (
	// ErrConfirmationRequired is returned when a HIGH or CRITICAL risk
	// purge arrives without explicit confirmation.
	ErrConfirmationRequired = errors.New("purge requires explicit confirmation")
	// ErrTableNotAllowed is returned for tables outside the purge allowlist.
	ErrTableNotAllowed = errors.New("table is not purgeable")
	// ErrFutureCutoff is returned when an explicit cutoff date lies in the future.
	ErrFutureCutoff = errors.New("cutoff date must be in the past")
	// ErrIntegrityCheck is returned when the post-purge row accounting
	// does not match what was deleted.
	ErrIntegrityCheck = errors.New("post-purge integrity check failed")
)

// purgeableTables is the allowlist of entity tables the coordinator may
// touch. Table names are always taken from this list, never from request
// input, so they can be safely interpolated into SQL.
var purgeableTables = []string{
	"incident_history",
	"health_check_results",
	"job_executions",
	"probe_results",
}

// RiskLevel classifies a purge before it runs.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// requiresConfirmation reports whether a level needs operator sign-off.
func (r RiskLevel) requiresConfirmation() bool {
	return r == RiskHigh || r == RiskCritical
}

// PurgeRequest describes one purge run.
type PurgeRequest struct {
	RetentionDays int        `json:"retentionDays" validate:"required,min=1,max=7"`
	TableName     string     `json:"tableName,omitempty"`
	MaxRecords    int64      `json:"maxRecords,omitempty" validate:"min=0,max=100000"`
	DryRun        bool       `json:"dryRun"`
	CutoffDate    *time.Time `json:"cutoffDate,omitempty"`
	CreateBackup  bool       `json:"createBackup"`
	VerifyAfter   bool       `json:"verifyIntegrity"`
	Confirmed     bool       `json:"confirmed"`
	ExecutedBy    string     `json:"executedBy,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// TableResult is the per-table outcome of a purge run.
type TableResult struct {
	Table    string    `json:"table"`
	Matched  int64     `json:"matched"`
	Purged   int64     `json:"purged"`
	Risk     RiskLevel `json:"risk"`
	BackupID string    `json:"backupId,omitempty"`
}

// PurgeResult is the outcome of a whole run.
type PurgeResult struct {
	PurgeID    string        `json:"purgeId"`
	DryRun     bool          `json:"dryRun"`
	CutoffDate time.Time     `json:"cutoffDate"`
	Tables     []TableResult `json:"tables"`
	Total      int64         `json:"totalPurged"`
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Coordinator executes purge, anonymization, and artifact cleanup runs.
type Coordinator struct {
	db       db
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	onPurged func(table string, n int64)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPurgeHook registers a callback invoked per table with the purged
// row count.
func WithPurgeHook(fn func(table string, n int64)) Option {
	return func(c *Coordinator) { c.onPurged = fn }
}

// NewCoordinator creates a retention coordinator backed by db.
func NewCoordinator(database db, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:       database,
		logger:   logger.Named("retention"),
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tables returns the purge allowlist.
func Tables() []string {
	out := make([]string, len(purgeableTables))
	copy(out, purgeableTables)
	return out
}

// assessRisk scores a purge of matched rows out of total rows.
func assessRisk(req PurgeRequest, matched, total int64) RiskLevel {
	switch {
	case matched > 50_000,
		total > 0 && float64(matched) > 0.8*float64(total),
		!req.CreateBackup && matched > 1_000,
		req.RetentionDays == 1 && matched > 10_000:
		return RiskCritical
	case matched > 10_000, total > 0 && float64(matched) > 0.5*float64(total):
		return RiskHigh
	case matched > 1_000, total > 0 && float64(matched) > 0.2*float64(total):
		return RiskMedium
	default:
		return RiskLow
	}
}

// cutoff resolves the effective cutoff date for a request.
func (c *Coordinator) cutoff(req PurgeRequest) (time.Time, error) {
	now := c.now().UTC()
	if req.CutoffDate != nil {
		if !req.CutoffDate.Before(now) {
			return time.Time{}, ErrFutureCutoff
		}
		return req.CutoffDate.UTC(), nil
	}
	return now.Add(-time.Duration(req.RetentionDays) * 24 * time.Hour), nil
}

// Execute validates and runs one purge request. A dry run only counts;
// a real run deletes oldest-first up to MaxRecords per table and writes
// a purge-audit row per table.
func (c *Coordinator) Execute(ctx context.Context, req PurgeRequest) (*PurgeResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid purge request: %w", err)
	}

	tables := purgeableTables
	if req.TableName != "" {
		if !lo.Contains(purgeableTables, req.TableName) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotAllowed, req.TableName)
		}
		tables = []string{req.TableName}
	}

	cutoff, err := c.cutoff(req)
	if err != nil {
		return nil, err
	}
	maxRecords := req.MaxRecords
	if maxRecords <= 0 {
		maxRecords = MaxRecordsCap
	}
	if req.ExecutedBy == "" {
		req.ExecutedBy = "system"
	}

	result := &PurgeResult{
		PurgeID:    uuid.NewString(),
		DryRun:     req.DryRun,
		CutoffDate: cutoff,
	}

	for _, table := range tables {
		tr, err := c.purgeTable(ctx, req, table, cutoff, maxRecords, result.PurgeID)
		if err != nil {
			return nil, fmt.Errorf("purging %s: %w", table, err)
		}
		result.Tables = append(result.Tables, tr)
		result.Total += tr.Purged
	}

	c.logger.Info("purge run finished",
		zap.String("purgeId", result.PurgeID),
		zap.Bool("dryRun", result.DryRun),
		zap.Time("cutoff", cutoff),
		zap.Int64("totalPurged", result.Total))
	return result, nil
}

func (c *Coordinator) purgeTable(ctx context.Context, req PurgeRequest, table string, cutoff time.Time, maxRecords int64, purgeID string) (TableResult, error) {
	tr := TableResult{Table: table}

	var total int64
	if err := c.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&total); err != nil {
		return tr, fmt.Errorf("counting table: %w", err)
	}
	if err := c.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE created_at < $1`, table),
		cutoff).Scan(&tr.Matched); err != nil {
		return tr, fmt.Errorf("counting matches: %w", err)
	}

	tr.Risk = assessRisk(req, tr.Matched, total)
	if !req.DryRun && tr.Risk.requiresConfirmation() && !req.Confirmed {
		return tr, fmt.Errorf("%w: %s risk on %s (%d rows)",
			ErrConfirmationRequired, tr.Risk, table, tr.Matched)
	}

	if req.DryRun || tr.Matched == 0 {
		return tr, nil
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return tr, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.CreateBackup {
		tr.BackupID = uuid.NewString()
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO purge_backup (id, purge_id, table_name, row_data)
			 SELECT gen_random_uuid()::text, $1, $2, to_jsonb(t)
			 FROM %s t WHERE created_at < $3
			 ORDER BY created_at ASC LIMIT $4`, table),
			tr.BackupID, table, cutoff, maxRecords)
		if err != nil {
			return tr, fmt.Errorf("snapshotting rows: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (
		   SELECT id FROM %s WHERE created_at < $1
		   ORDER BY created_at ASC LIMIT $2)`, table, table),
		cutoff, maxRecords)
	if err != nil {
		return tr, fmt.Errorf("deleting rows: %w", err)
	}
	tr.Purged = tag.RowsAffected()

	_, err = tx.Exec(ctx,
		`INSERT INTO purge_audit (id, table_name, records_purged, cutoff_date, dry_run, risk_level, backup_id, executed_by, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), table, tr.Purged, cutoff, false, string(tr.Risk),
		nullable(tr.BackupID), req.ExecutedBy, nullable(req.Reason))
	if err != nil {
		return tr, fmt.Errorf("writing purge audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return tr, fmt.Errorf("committing purge: %w", err)
	}

	if req.VerifyAfter {
		var remaining int64
		if err := c.db.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE created_at < $1`, table),
			cutoff).Scan(&remaining); err != nil {
			return tr, fmt.Errorf("verifying purge: %w", err)
		}
		if remaining != tr.Matched-tr.Purged {
			return tr, fmt.Errorf("%w: %s expected %d remaining, found %d",
				ErrIntegrityCheck, table, tr.Matched-tr.Purged, remaining)
		}
	}

	if c.onPurged != nil {
		c.onPurged(table, tr.Purged)
	}
	c.logger.Info("table purged",
		zap.String("table", table),
		zap.Int64("purged", tr.Purged),
		zap.String("risk", string(tr.Risk)))
	return tr, nil
}

// EmergencyPurge runs a confirmed retention=1 purge against one table.
// Used by purge monitoring when a table grows past alarm thresholds.
func (c *Coordinator) EmergencyPurge(ctx context.Context, table string) (*PurgeResult, error) {
	return c.Execute(ctx, PurgeRequest{
		RetentionDays: 1,
		TableName:     table,
		CreateBackup:  true,
		Confirmed:     true,
		ExecutedBy:    "emergency-purge",
		Reason:        "high-volume emergency cleanup",
	})
}

// Anonymize scrubs actor identities from audit artifacts older than the
// cutoff. Returns the number of rows touched.
func (c *Coordinator) Anonymize(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := c.now().UTC().Add(-olderThan)
	var total int64

	tag, err := c.db.Exec(ctx,
		`UPDATE audit_event SET actor = 'anonymized', details = NULL
		 WHERE created_at < $1 AND actor <> 'anonymized'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("anonymizing audit events: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = c.db.Exec(ctx,
		`UPDATE purge_audit SET executed_by = 'anonymized'
		 WHERE executed_at < $1 AND executed_by <> 'anonymized'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("anonymizing purge audits: %w", err)
	}
	total += tag.RowsAffected()

	c.logger.Info("anonymization finished", zap.Int64("rows", total), zap.Time("cutoff", cutoff))
	return total, nil
}

// CleanupArtifacts removes expired purge backups kept longer than the
// retention window.
func (c *Coordinator) CleanupArtifacts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := c.now().UTC().Add(-olderThan)
	tag, err := c.db.Exec(ctx,
		`DELETE FROM purge_backup WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning purge backups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditSummary aggregates purge audit rows since the given time.
type AuditSummary struct {
	Runs        int64
	RowsPurged  int64
	TablesSeen  []string
	RiskMaximum RiskLevel
}

// Summarize reports purge activity since the given time.
func (c *Coordinator) Summarize(ctx context.Context, since time.Time) (*AuditSummary, error) {
	var (
		s      AuditSummary
		tables *string
		maxLvl *string
	)
	err := c.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(records_purged), 0),
		        string_agg(DISTINCT table_name, ','),
		        MAX(risk_level)
		 FROM purge_audit WHERE executed_at >= $1`, since.UTC()).
		Scan(&s.Runs, &s.RowsPurged, &tables, &maxLvl)
	if err != nil {
		return nil, fmt.Errorf("summarizing purge audits: %w", err)
	}
	if tables != nil {
		s.TablesSeen = strings.Split(*tables, ",")
	}
	if maxLvl != nil {
		s.RiskMaximum = RiskLevel(*maxLvl)
	}
	return &s, nil
}

// TableVolume is one purgeable table's current row count.
type TableVolume struct {
	Table string
	Rows  int64
}

// Volumes reports the current size of every purgeable table.
func (c *Coordinator) Volumes(ctx context.Context) ([]TableVolume, error) {
	out := make([]TableVolume, 0, len(purgeableTables))
	for _, table := range purgeableTables {
		var rows int64
		if err := c.db.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&rows); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		out = append(out, TableVolume{Table: table, Rows: rows})
	}
	return out, nil
}

func hoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
