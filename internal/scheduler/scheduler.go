// Package scheduler drives the periodic housekeeping of the
// orchestrator: purge schedules, system health checks, queue
// maintenance, and reporting.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/health"
	"github.com/sitemedic/sitemedic/internal/queue"
	"github.com/sitemedic/sitemedic/internal/retention"
)

// Cron expressions, standard five-field form.
const (
	specDailyPurge       = "0 2 * * *"
	specSystemHealth     = "*/5 * * * *"
	specQueueMaintenance = "0 * * * *"
	specAutoResume       = "*/30 * * * *"
	specWeeklyAnonymize  = "0 3 * * 0"
	specPurgeMonitoring  = "0 * * * *"
	specDailySummary     = "0 6 * * *"
	specWeeklyStats      = "0 6 * * 0"
)

// highVolumeRows is the per-table row count that triggers an emergency
// purge from purge monitoring.
const highVolumeRows = 500_000

// jobTimeout bounds each scheduled callback.
const jobTimeout = 5 * time.Minute

// Config carries the feature switches the scheduler honors.
type Config struct {
	DefaultRetentionDays int
	EnableAutoPurge      bool
	EnableAnonymization  bool
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cron        *cron.Cron
	queues      *queue.Manager
	coordinator *retention.Coordinator
	cfg         Config
	logger      *zap.Logger
}

// New creates a scheduler; Start registers the entries and begins
// firing them.
func New(queues *queue.Manager, coordinator *retention.Coordinator, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		queues:      queues,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger.Named("scheduler"),
	}
}

// Start registers all cron entries and starts the loop.
func (s *Scheduler) Start() error {
	type entry struct {
		spec string
		name string
		fn   func(ctx context.Context)
	}
	entries := []entry{
		{specSystemHealth, "system-health", s.runSystemHealth},
		{specQueueMaintenance, "queue-maintenance", s.runQueueMaintenance},
		{specAutoResume, "auto-resume", s.runAutoResume},
		{specDailySummary, "daily-audit-summary", s.runDailySummary},
		{specWeeklyStats, "weekly-queue-stats", s.runWeeklyStats},
	}
	if s.cfg.EnableAutoPurge {
		entries = append(entries,
			entry{specDailyPurge, "daily-purge", s.runDailyPurge},
			entry{specPurgeMonitoring, "purge-monitoring", s.runPurgeMonitoring})
	}
	if s.cfg.EnableAnonymization {
		entries = append(entries, entry{specWeeklyAnonymize, "weekly-anonymize", s.runWeeklyAnonymize})
	}

	for _, e := range entries {
		name, fn := e.name, e.fn
		if _, err := s.cron.AddFunc(e.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			s.logger.Debug("cron entry firing", zap.String("entry", name))
			fn(ctx)
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(entries)))
	return nil
}

// Stop halts the cron loop and waits for running entries.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// runDailyPurge enqueues the scheduled purge; if the queue is
// unreachable it purges directly, and if that also fails it falls back
// to an emergency retention=1 cleanup.
func (s *Scheduler) runDailyPurge(ctx context.Context) {
	req := retention.PurgeRequest{
		RetentionDays: s.cfg.DefaultRetentionDays,
		CreateBackup:  true,
		VerifyAfter:   true,
		Confirmed:     true,
		ExecutedBy:    "scheduler",
		Reason:        "daily scheduled purge",
	}
	_, err := s.queues.Enqueue(ctx, queue.QueueRetention, retention.JobPurgeData, req)
	if err == nil {
		return
	}
	s.logger.Warn("scheduled purge enqueue failed, purging directly", zap.Error(err))

	if _, err = s.coordinator.Execute(ctx, req); err == nil {
		return
	}
	s.logger.Error("direct purge failed, running emergency cleanup", zap.Error(err))

	emergency := req
	emergency.RetentionDays = 1
	emergency.Reason = "emergency cleanup after failed daily purge"
	if _, err := s.coordinator.Execute(ctx, emergency); err != nil {
		s.logger.Error("emergency cleanup failed", zap.Error(err))
	}
}

func (s *Scheduler) runSystemHealth(ctx context.Context) {
	if _, err := s.queues.Enqueue(ctx, queue.QueueHealth, health.JobSystemCheck, health.CheckPayload{
		TargetID: "system",
	}); err != nil {
		s.logger.Warn("system health check enqueue failed", zap.Error(err))
	}
}

// needsClean reports whether a queue's terminal sets have outgrown their
// grace thresholds.
func needsClean(stats queue.Stats) bool {
	return stats.Completed > 100 || stats.Failed > 50
}

func (s *Scheduler) runQueueMaintenance(ctx context.Context) {
	all, err := s.queues.AllStats(ctx)
	if err != nil {
		s.logger.Warn("queue stats unavailable", zap.Error(err))
		return
	}
	for name, stats := range all {
		s.logger.Info("queue stats",
			zap.String("queue", name),
			zap.Int64("waiting", stats.Waiting),
			zap.Int64("active", stats.Active),
			zap.Int64("delayed", stats.Delayed),
			zap.Int64("completed", stats.Completed),
			zap.Int64("failed", stats.Failed))
		if stats.Failed > 20 {
			s.logger.Warn("queue has a high failed count",
				zap.String("queue", name), zap.Int64("failed", stats.Failed))
		}
		if needsClean(stats) {
			removed, err := s.queues.Clean(ctx, name, 24*time.Hour)
			if err != nil {
				s.logger.Warn("queue clean failed", zap.String("queue", name), zap.Error(err))
				continue
			}
			s.logger.Info("queue cleaned", zap.String("queue", name), zap.Int("removed", removed))
		}
	}
}

// shouldAutoResume identifies a queue that was auto-paused and has gone
// quiet with failures parked: nothing waiting, nothing active, likely a
// circuit that has since recovered.
func shouldAutoResume(stats queue.Stats, marker string) bool {
	return marker == "auto" && stats.Active == 0 && stats.Waiting == 0 && stats.Failed > 0
}

func (s *Scheduler) runAutoResume(ctx context.Context) {
	for _, name := range s.queues.Queues() {
		stats, err := s.queues.Stats(ctx, name)
		if err != nil {
			continue
		}
		marker, err := s.queues.PauseMarker(ctx, name)
		if err != nil {
			continue
		}
		if shouldAutoResume(stats, marker) {
			if err := s.queues.Resume(ctx, name); err != nil {
				s.logger.Warn("auto-resume failed", zap.String("queue", name), zap.Error(err))
				continue
			}
			s.logger.Info("queue auto-resumed", zap.String("queue", name))
		}
	}
}

func (s *Scheduler) runWeeklyAnonymize(ctx context.Context) {
	payload := retention.MaintenancePayload{OlderThanHours: 30 * 24}
	if _, err := s.queues.Enqueue(ctx, queue.QueueRetention, retention.JobAnonymizeData, payload); err != nil {
		s.logger.Warn("anonymization enqueue failed, running directly", zap.Error(err))
		if _, err := s.coordinator.Anonymize(ctx, 30*24*time.Hour); err != nil {
			s.logger.Error("direct anonymization failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) runPurgeMonitoring(ctx context.Context) {
	volumes, err := s.coordinator.Volumes(ctx)
	if err != nil {
		s.logger.Warn("purge monitoring unavailable", zap.Error(err))
		return
	}
	for _, v := range volumes {
		if v.Rows <= highVolumeRows {
			continue
		}
		s.logger.Error("table over volume threshold, firing emergency purge",
			zap.String("table", v.Table), zap.Int64("rows", v.Rows))
		if _, err := s.queues.Enqueue(ctx, queue.QueueRetention, retention.JobEmergencyPurge,
			retention.EmergencyPayload{Table: v.Table}); err != nil {
			s.logger.Error("emergency purge enqueue failed",
				zap.String("table", v.Table), zap.Error(err))
		}
	}
}

func (s *Scheduler) runDailySummary(ctx context.Context) {
	summary, err := s.coordinator.Summarize(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Warn("purge audit summary unavailable", zap.Error(err))
		return
	}
	s.logger.Info("daily purge audit summary",
		zap.Int64("runs", summary.Runs),
		zap.Int64("rowsPurged", summary.RowsPurged),
		zap.Strings("tables", summary.TablesSeen),
		zap.String("maxRisk", string(summary.RiskMaximum)))
}

func (s *Scheduler) runWeeklyStats(ctx context.Context) {
	all, err := s.queues.AllStats(ctx)
	if err != nil {
		s.logger.Warn("queue stats unavailable", zap.Error(err))
		return
	}
	for name, stats := range all {
		s.logger.Info("weekly queue report",
			zap.String("queue", name),
			zap.Int64("completed", stats.Completed),
			zap.Int64("failed", stats.Failed))
	}
}
