// Package orchestrator assembles the remediation engine: substrates,
// policy components, workers, scheduler, and the control-plane server.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/audit"
	"github.com/sitemedic/sitemedic/internal/breaker"
	"github.com/sitemedic/sitemedic/internal/config"
	"github.com/sitemedic/sitemedic/internal/flapping"
	"github.com/sitemedic/sitemedic/internal/health"
	"github.com/sitemedic/sitemedic/internal/idempotency"
	"github.com/sitemedic/sitemedic/internal/incident"
	"github.com/sitemedic/sitemedic/internal/kv"
	"github.com/sitemedic/sitemedic/internal/metrics"
	"github.com/sitemedic/sitemedic/internal/probe"
	"github.com/sitemedic/sitemedic/internal/queue"
	"github.com/sitemedic/sitemedic/internal/retention"
	"github.com/sitemedic/sitemedic/internal/scheduler"
	"github.com/sitemedic/sitemedic/internal/server"
	"github.com/sitemedic/sitemedic/internal/storage"
	"github.com/sitemedic/sitemedic/internal/watchdog"
)

// Orchestrator owns the lifecycle of every long-running part.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	kvClient *redis.Client
	pool     *pgxpool.Pool

	metrics     *metrics.Metrics
	queues      *queue.Manager
	registry    *queue.HandlerRegistry
	processor   *incident.Processor
	dispatcher  *incident.Dispatcher
	coordinator *retention.Coordinator
	auditor     *audit.Recorder
	scheduler   *scheduler.Scheduler
	server      *server.Server
}

// New wires the whole engine from configuration. Nothing is started
// yet; call Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	kvCfg := kv.DefaultConfig()
	kvCfg.Addr = cfg.RedisAddr
	kvCfg.Password = cfg.RedisPassword
	kvCfg.DB = cfg.RedisDB
	kvClient, err := kv.Connect(ctx, kvCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting key-value store: %w", err)
	}

	poolCfg := storage.DefaultConfig()
	poolCfg.URL = cfg.DatabaseURL
	pool, err := storage.Connect(ctx, poolCfg)
	if err != nil {
		kvClient.Close()
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	m := metrics.New()
	auditor := audit.NewRecorder(pool, logger)

	breakers := breaker.NewRegistry(logger,
		breaker.WithDefaults(breaker.Config{
			FailureThreshold: cfg.CircuitBreakerThreshold,
			RecoveryTimeout:  cfg.CircuitBreakerRecoveryTimeout,
			MonitoringPeriod: cfg.CircuitBreakerMonitoringPeriod,
		}),
		breaker.WithStateChangeHook(func(key string, from, to breaker.State) {
			m.SetBreakerState(key, int(to))
		}))

	flapCfg := flapping.DefaultConfig()
	flapCfg.CooldownWindow = cfg.IncidentCooldownWindow
	flapCfg.MaxIncidentsPerWindow = cfg.MaxIncidentsPerWindow
	flapCfg.EscalationThreshold = cfg.EscalationThreshold
	flap := flapping.NewDetector(flapCfg, logger)

	idem := idempotency.NewStore(kvClient, cfg.KeyPrefix, logger)
	guard := watchdog.NewGuard(logger)

	prober := probe.New(probe.Config{
		Timeout:       cfg.VerificationTimeout,
		RetryAttempts: cfg.VerificationRetryAttempts,
		RatePerSecond: 10,
		Burst:         5,
	}, logger)

	queues := queue.NewManager(kvClient, cfg.KeyPrefix, logger,
		queue.WithCompletionHook(m.ObserveJobCompleted, m.ObserveJobFailed))
	queues.DefaultQueues(cfg.MaxFixAttempts, cfg.CircuitBreakerThreshold)

	phases := incident.NewPhases(prober, logger)
	processor := incident.NewProcessor(queues, breakers, flap, idem, guard, phases, logger,
		incident.WithTerminalHook(func(result string) {
			m.Incidents.WithLabelValues(result).Inc()
		}),
		incident.WithEscalationHook(func(p *incident.JobPayload) {
			auditor.Record(context.Background(), audit.Event{
				Actor:      "system",
				Action:     "incident.escalate",
				Resource:   "incident",
				ResourceID: p.IncidentID,
				Details: map[string]any{
					"siteId":      p.SiteID,
					"fixAttempts": p.FixAttempts,
					"reason":      p.Metadata["escalationReason"],
				},
			})
		}))
	processor.RegisterCircuits(breaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		RecoveryTimeout:  cfg.CircuitBreakerRecoveryTimeout,
		MonitoringPeriod: cfg.CircuitBreakerMonitoringPeriod,
	})

	dispatcher := incident.NewDispatcher(queues, flap, cfg.MaxFixAttempts, logger,
		incident.WithDeniedHook(func() {
			m.Incidents.WithLabelValues("denied").Inc()
		}))

	coordinator := retention.NewCoordinator(pool, logger,
		retention.WithPurgeHook(func(table string, n int64) {
			m.PurgedRecords.WithLabelValues(table).Add(float64(n))
		}))

	checker := health.NewChecker(prober, []health.Ping{
		{Name: "kv", Fn: func(ctx context.Context) error { return kvClient.Ping(ctx).Err() }},
		{Name: "database", Fn: pool.Ping},
	}, logger)

	registry := queue.NewHandlerRegistry()
	processor.RegisterHandlers(registry)
	coordinator.RegisterHandlers(registry)
	checker.RegisterHandlers(registry)

	sched := scheduler.New(queues, coordinator, scheduler.Config{
		DefaultRetentionDays: cfg.DefaultRetentionDays,
		EnableAutoPurge:      cfg.EnableAutoPurge,
		EnableAnonymization:  cfg.EnableDataAnonymization,
	}, logger)

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srv := server.New(srvCfg, dispatcher, queues, m, auditor, logger)

	return &Orchestrator{
		cfg:         cfg,
		logger:      logger.Named("orchestrator"),
		kvClient:    kvClient,
		pool:        pool,
		metrics:     m,
		queues:      queues,
		registry:    registry,
		processor:   processor,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		auditor:     auditor,
		scheduler:   sched,
		server:      srv,
	}, nil
}

// Run starts workers, scheduler, and the HTTP server, then blocks until
// ctx is canceled or the server fails. Shutdown is ordered: stop taking
// requests, stop the cron loop, drain workers, close stores.
func (o *Orchestrator) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	o.queues.StartWorkers(workerCtx, o.registry)
	if err := o.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- o.server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		o.logger.Info("shutdown requested")
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.server.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	o.scheduler.Stop()
	cancelWorkers()
	if err := o.queues.Close(shutdownCtx); err != nil {
		o.logger.Warn("worker drain incomplete", zap.Error(err))
	}
	o.pool.Close()

	o.logger.Info("orchestrator stopped")
	return runErr
}

// Dispatcher exposes incident creation for the CLI.
func (o *Orchestrator) Dispatcher() *incident.Dispatcher { return o.dispatcher }

// Coordinator exposes retention operations for the CLI.
func (o *Orchestrator) Coordinator() *retention.Coordinator { return o.coordinator }

// Queues exposes queue administration for the CLI.
func (o *Orchestrator) Queues() *queue.Manager { return o.queues }
