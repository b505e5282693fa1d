// Package queue implements the durable job queue on Redis: delayed
// scheduling, priorities, explicit job ids for dedupe, per-queue worker
// concurrency, bounded retry with backoff, and completed/failed retention.
//
// Layout per queue <q> under prefix <p>:
//
//	p:queue:<q>:ready      ZSET  jobID scored by priority and sequence
//	p:queue:<q>:delayed    ZSET  jobID scored by promotion time (unix ms)
//	p:queue:<q>:jobs       HASH  jobID -> job JSON (pending/active jobs)
//	p:queue:<q>:completed  LIST  terminal job JSON, newest first
//	p:queue:<q>:failed     LIST  terminal job JSON, newest first
//	p:queue:<q>:paused     STR   pause marker: "manual" or "auto"
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Queue names. Three fixed streams, per-queue concurrency.
const (
	QueueIncidents = "incident-processing"
	QueueRetention = "data-retention"
	QueueHealth    = "health-checks"
)

// Priorities; lower value wins.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
)

// PriorityFromString maps the API-level priority names. Unknown names get
// the default (medium).
func PriorityFromString(name string) int {
	switch name {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// BackoffType selects the retry delay curve.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// ErrUnknownQueue is returned for operations on unregistered queues.
var ErrUnknownQueue = errors.New("unknown queue")

// ErrDuplicateJob is returned when an explicit job id already exists.
var ErrDuplicateJob = errors.New("duplicate job id")

// Job is the unit of work flowing through a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     BackoffType     `json:"backoff"`
	BackoffBase time.Duration   `json:"backoffBase"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
}

// QueueConfig describes one named queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	// Defaults applied to jobs enqueued without explicit options.
	DefaultMaxAttempts int
	DefaultBackoff     BackoffType
	DefaultBackoffBase time.Duration
	// Retention of terminal jobs.
	KeepCompleted int
	KeepFailed    int
}

// Stats is a point-in-time view of one queue's counters.
type Stats struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay       time.Duration
	priority    int
	jobID       string
	maxAttempts int
	backoff     BackoffType
	backoffBase time.Duration
}

// WithDelay schedules the job to become ready after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithPriority sets the job priority (lower value = higher priority).
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithJobID sets an explicit id; a duplicate id is rejected while the
// original job is still pending or active.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// WithMaxAttempts overrides the queue's default attempt ceiling.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithBackoff overrides the retry curve for this job.
func WithBackoff(kind BackoffType, base time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.backoff = kind
		o.backoffBase = base
	}
}

// Manager owns the queue state in Redis and the worker pools consuming it.
type Manager struct {
	client  *redis.Client
	prefix  string
	logger  *zap.Logger
	now     func() time.Time
	queues  map[string]*QueueConfig
	workers map[string]*worker

	// hooks, optional
	onCompleted func(queue, name string, duration time.Duration)
	onFailed    func(queue, name string)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithCompletionHook observes terminal job outcomes, for metrics.
func WithCompletionHook(completed func(queue, name string, duration time.Duration), failed func(queue, name string)) ManagerOption {
	return func(m *Manager) {
		m.onCompleted = completed
		m.onFailed = failed
	}
}

// NewManager creates a queue manager. Call Register (or DefaultQueues)
// before enqueueing, and StartWorkers to begin consumption.
func NewManager(client *redis.Client, prefix string, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:  client,
		prefix:  prefix,
		logger:  logger.Named("queue"),
		now:     time.Now,
		queues:  make(map[string]*QueueConfig),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultQueues registers the three standard streams. Incident jobs get a
// tighter attempt ceiling (bounded by fix attempts and the breaker
// threshold) and a 5s initial backoff.
func (m *Manager) DefaultQueues(maxFixAttempts, breakerThreshold int) {
	m.Register(QueueConfig{
		Name:               QueueIncidents,
		Concurrency:        3,
		DefaultMaxAttempts: lo.Min([]int{maxFixAttempts, breakerThreshold}),
		DefaultBackoff:     BackoffExponential,
		DefaultBackoffBase: 5 * time.Second,
		KeepCompleted:      100,
		KeepFailed:         50,
	})
	m.Register(QueueConfig{
		Name:               QueueRetention,
		Concurrency:        1,
		DefaultMaxAttempts: 3,
		DefaultBackoff:     BackoffExponential,
		DefaultBackoffBase: 2 * time.Second,
		KeepCompleted:      100,
		KeepFailed:         50,
	})
	m.Register(QueueConfig{
		Name:               QueueHealth,
		Concurrency:        5,
		DefaultMaxAttempts: 3,
		DefaultBackoff:     BackoffExponential,
		DefaultBackoffBase: 2 * time.Second,
		KeepCompleted:      100,
		KeepFailed:         50,
	})
}

// Register adds a queue definition.
func (m *Manager) Register(cfg QueueConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultBackoff == "" {
		cfg.DefaultBackoff = BackoffExponential
	}
	if cfg.DefaultBackoffBase <= 0 {
		cfg.DefaultBackoffBase = 2 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 50
	}
	m.queues[cfg.Name] = &cfg
}

// Queues lists registered queue names.
func (m *Manager) Queues() []string {
	return lo.Keys(m.queues)
}

// Enqueue adds a job. Delayed jobs land in the delayed set and are
// promoted by the queue's worker when due.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...EnqueueOption) (*Job, error) {
	cfg, ok := m.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	options := enqueueOptions{
		priority:    PriorityMedium,
		maxAttempts: cfg.DefaultMaxAttempts,
		backoff:     cfg.DefaultBackoff,
		backoffBase: cfg.DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.jobID == "" {
		options.jobID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling job payload: %w", err)
	}

	job := &Job{
		ID:          options.jobID,
		Queue:       queueName,
		Name:        jobName,
		Payload:     body,
		Priority:    options.priority,
		MaxAttempts: options.maxAttempts,
		Backoff:     options.backoff,
		BackoffBase: options.backoffBase,
		EnqueuedAt:  m.now().UTC(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}

	// HSETNX is the dedupe point for explicit job ids.
	stored, err := m.client.HSetNX(ctx, m.jobsKey(queueName), job.ID, raw).Result()
	if err != nil {
		return nil, fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	if !stored {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	if options.delay > 0 {
		score := float64(m.now().Add(options.delay).UnixMilli())
		if err := m.client.ZAdd(ctx, m.delayedKey(queueName), redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
			return nil, fmt.Errorf("scheduling delayed job %s: %w", job.ID, err)
		}
	} else {
		if err := m.pushReady(ctx, queueName, job.ID, job.Priority); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("job enqueued",
		zap.String("queue", queueName),
		zap.String("job", jobName),
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", options.delay))
	return job, nil
}

// pushReady adds the job to the ready set, ordered by priority first and
// arrival second. The sequence counter keeps FIFO within a priority.
func (m *Manager) pushReady(ctx context.Context, queueName, jobID string, priority int) error {
	seq, err := m.client.Incr(ctx, m.seqKey(queueName)).Result()
	if err != nil {
		return fmt.Errorf("allocating sequence for %s: %w", jobID, err)
	}
	score := float64(priority)*1e12 + float64(seq)
	if err := m.client.ZAdd(ctx, m.readyKey(queueName), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}
	return nil
}

// Pause stops consumption from the queue. The auto flag distinguishes
// breaker-driven pauses from operator ones; maintenance only auto-resumes
// the former.
func (m *Manager) Pause(ctx context.Context, queueName string, auto bool) error {
	if _, ok := m.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	marker := "manual"
	if auto {
		marker = "auto"
	}
	if err := m.client.Set(ctx, m.pausedKey(queueName), marker, 0).Err(); err != nil {
		return fmt.Errorf("pausing queue %s: %w", queueName, err)
	}
	m.logger.Info("queue paused", zap.String("queue", queueName), zap.String("marker", marker))
	return nil
}

// Resume re-enables consumption.
func (m *Manager) Resume(ctx context.Context, queueName string) error {
	if _, ok := m.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if err := m.client.Del(ctx, m.pausedKey(queueName)).Err(); err != nil {
		return fmt.Errorf("resuming queue %s: %w", queueName, err)
	}
	m.logger.Info("queue resumed", zap.String("queue", queueName))
	return nil
}

// PauseMarker returns the pause marker ("manual", "auto", or "" when not
// paused).
func (m *Manager) PauseMarker(ctx context.Context, queueName string) (string, error) {
	marker, err := m.client.Get(ctx, m.pausedKey(queueName)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading pause marker for %s: %w", queueName, err)
	}
	return marker, nil
}

// Stats returns counters for one queue.
func (m *Manager) Stats(ctx context.Context, queueName string) (Stats, error) {
	if _, ok := m.queues[queueName]; !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	pipe := m.client.Pipeline()
	waiting := pipe.ZCard(ctx, m.readyKey(queueName))
	delayed := pipe.ZCard(ctx, m.delayedKey(queueName))
	completed := pipe.LLen(ctx, m.completedKey(queueName))
	failed := pipe.LLen(ctx, m.failedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("reading stats for %s: %w", queueName, err)
	}

	marker, err := m.PauseMarker(ctx, queueName)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Name:      queueName,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    marker != "",
	}
	if w, ok := m.workers[queueName]; ok {
		stats.Active = w.active.Load()
	}
	return stats, nil
}

// AllStats returns stats for every registered queue.
func (m *Manager) AllStats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats, len(m.queues))
	for name := range m.queues {
		stats, err := m.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

// Clean drops terminal jobs older than gracePeriod from the completed and
// failed lists. Returns the number removed.
func (m *Manager) Clean(ctx context.Context, queueName string, gracePeriod time.Duration) (int, error) {
	if _, ok := m.queues[queueName]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	cutoff := m.now().UTC().Add(-gracePeriod)
	removed := 0
	for _, key := range []string{m.completedKey(queueName), m.failedKey(queueName)} {
		entries, err := m.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("reading %s: %w", key, err)
		}
		kept := make([]any, 0, len(entries))
		for _, raw := range entries {
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				removed++ // corrupt entries go too
				continue
			}
			if job.FinishedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, raw)
		}
		if len(kept) == len(entries) {
			continue
		}
		pipe := m.client.TxPipeline()
		pipe.Del(ctx, key)
		if len(kept) > 0 {
			pipe.RPush(ctx, key, kept...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("rewriting %s: %w", key, err)
		}
	}
	return removed, nil
}

func (m *Manager) readyKey(q string) string     { return m.prefix + ":queue:" + q + ":ready" }
func (m *Manager) delayedKey(q string) string   { return m.prefix + ":queue:" + q + ":delayed" }
func (m *Manager) jobsKey(q string) string      { return m.prefix + ":queue:" + q + ":jobs" }
func (m *Manager) completedKey(q string) string { return m.prefix + ":queue:" + q + ":completed" }
func (m *Manager) failedKey(q string) string    { return m.prefix + ":queue:" + q + ":failed" }
func (m *Manager) pausedKey(q string) string    { return m.prefix + ":queue:" + q + ":paused" }
func (m *Manager) seqKey(q string) string       { return m.prefix + ":queue:" + q + ":seq" }
