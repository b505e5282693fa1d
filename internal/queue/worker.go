package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler processes one job. Returning an error requeues the job with
// backoff until its attempt ceiling, then parks it in the failed list.
type Handler func(ctx context.Context, job *Job) error

// defaultPollInterval is how often a worker promotes due delayed jobs and
// looks for ready work when idle.
const defaultPollInterval = 250 * time.Millisecond

// worker consumes one queue with bounded concurrency.
type worker struct {
	queueName string
	cfg       *QueueConfig
	sem       *semaphore.Weighted
	active    atomic.Int64
	stopCh    chan struct{}
	doneCh    chan struct{}
	inflight  sync.WaitGroup
}

// HandlerRegistry maps job names to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a job name to its handler.
func (r *HandlerRegistry) Register(jobName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobName] = h
}

func (r *HandlerRegistry) get(jobName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobName]
	return h, ok
}

// StartWorkers launches one polling worker per registered queue. Jobs are
// dispatched to handlers from the registry; a job with no handler fails
// permanently.
func (m *Manager) StartWorkers(ctx context.Context, registry *HandlerRegistry) {
	for name, cfg := range m.queues {
		w := &worker{
			queueName: name,
			cfg:       cfg,
			sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
			stopCh:    make(chan struct{}),
			doneCh:    make(chan struct{}),
		}
		m.workers[name] = w
		go m.runWorker(ctx, w, registry)
		m.logger.Info("queue worker started",
			zap.String("queue", name),
			zap.Int("concurrency", cfg.Concurrency))
	}
}

// Close drains all workers, waiting for in-flight jobs, then closes the
// Redis connection. Safe to call once.
func (m *Manager) Close(ctx context.Context) error {
	for _, w := range m.workers {
		close(w.stopCh)
	}
	for name, w := range m.workers {
		select {
		case <-w.doneCh:
		case <-ctx.Done():
			m.logger.Warn("shutdown deadline hit waiting for queue", zap.String("queue", name))
			return fmt.Errorf("draining queue %s: %w", name, ctx.Err())
		}
	}
	m.logger.Info("queue workers drained")
	return m.client.Close()
}

func (m *Manager) runWorker(ctx context.Context, w *worker, registry *HandlerRegistry) {
	defer func() {
		w.inflight.Wait()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx, w, registry)
		}
	}
}

// tick promotes due delayed jobs, then fills free concurrency slots with
// ready work. Paused queues still promote so stats stay truthful.
func (m *Manager) tick(ctx context.Context, w *worker, registry *HandlerRegistry) {
	if err := m.promoteDue(ctx, w.queueName); err != nil {
		m.logger.Warn("delayed promotion failed", zap.String("queue", w.queueName), zap.Error(err))
		return
	}

	marker, err := m.PauseMarker(ctx, w.queueName)
	if err != nil || marker != "" {
		return
	}

	for {
		if !w.sem.TryAcquire(1) {
			return
		}
		job, ok := m.popReady(ctx, w.queueName)
		if !ok {
			w.sem.Release(1)
			return
		}
		w.inflight.Add(1)
		w.active.Add(1)
		go func(job *Job) {
			defer func() {
				w.active.Add(-1)
				w.inflight.Done()
				w.sem.Release(1)
			}()
			m.execute(ctx, w, registry, job)
		}(job)
	}
}

// promoteDue moves delayed jobs whose time has come into the ready set.
func (m *Manager) promoteDue(ctx context.Context, queueName string) error {
	now := float64(m.now().UnixMilli())
	due, err := m.client.ZRangeByScore(ctx, m.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range due {
		removed, err := m.client.ZRem(ctx, m.delayedKey(queueName), jobID).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it
		}
		raw, err := m.client.HGet(ctx, m.jobsKey(queueName), jobID).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if err := m.pushReady(ctx, queueName, jobID, job.Priority); err != nil {
			m.logger.Warn("promoting delayed job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// popReady claims the highest-priority ready job.
func (m *Manager) popReady(ctx context.Context, queueName string) (*Job, bool) {
	members, err := m.client.ZPopMin(ctx, m.readyKey(queueName), 1).Result()
	if err != nil || len(members) == 0 {
		return nil, false
	}
	jobID, _ := members[0].Member.(string)
	raw, err := m.client.HGet(ctx, m.jobsKey(queueName), jobID).Result()
	if err != nil {
		m.logger.Warn("ready job has no body, dropping", zap.String("job_id", jobID), zap.Error(err))
		return nil, false
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		m.logger.Warn("corrupt job body, dropping", zap.String("job_id", jobID), zap.Error(err))
		_ = m.client.HDel(ctx, m.jobsKey(queueName), jobID)
		return nil, false
	}
	return &job, true
}

// execute runs one job with panic isolation and drives the retry policy.
func (m *Manager) execute(ctx context.Context, w *worker, registry *HandlerRegistry, job *Job) {
	started := m.now()
	log := m.logger.With(
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts+1))

	handler, ok := registry.get(job.Name)
	if !ok {
		log.Error("no handler registered for job")
		m.finalize(ctx, w, job, fmt.Errorf("no handler for job %q", job.Name))
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = handler(ctx, job)
	}()

	job.Attempts++
	if err == nil {
		job.FinishedAt = m.now().UTC()
		m.retire(ctx, job, m.completedKey(job.Queue), w.cfg.KeepCompleted)
		if m.onCompleted != nil {
			m.onCompleted(job.Queue, job.Name, m.now().Sub(started))
		}
		log.Debug("job completed", zap.Duration("duration", m.now().Sub(started)))
		return
	}

	log.Warn("job attempt failed", zap.Error(err))
	if job.Attempts >= job.MaxAttempts {
		m.finalize(ctx, w, job, err)
		return
	}

	// Requeue with backoff.
	job.LastError = err.Error()
	delay := job.BackoffBase
	if job.Backoff == BackoffExponential {
		delay = job.BackoffBase << (job.Attempts - 1)
	}
	raw, merr := json.Marshal(job)
	if merr != nil {
		m.finalize(ctx, w, job, err)
		return
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.jobsKey(job.Queue), job.ID, raw)
	pipe.ZAdd(ctx, m.delayedKey(job.Queue), redis.Z{
		Score:  float64(m.now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	if _, perr := pipe.Exec(ctx); perr != nil {
		log.Error("requeue failed, parking job as failed", zap.Error(perr))
		m.finalize(ctx, w, job, err)
		return
	}
	log.Info("job requeued", zap.Duration("backoff", delay))
}

// finalize parks a job in the failed list.
func (m *Manager) finalize(ctx context.Context, w *worker, job *Job, cause error) {
	job.LastError = cause.Error()
	job.FinishedAt = m.now().UTC()
	m.retire(ctx, job, m.failedKey(job.Queue), w.cfg.KeepFailed)
	if m.onFailed != nil {
		m.onFailed(job.Queue, job.Name)
	}
	m.logger.Error("job failed permanently",
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
}

// retire removes the job body and records the terminal entry, trimming
// the retention list.
func (m *Manager) retire(ctx context.Context, job *Job, listKey string, keep int) {
	raw, err := json.Marshal(job)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"id":%q,"queue":%q}`, job.ID, job.Queue))
	}
	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, m.jobsKey(job.Queue), job.ID)
	pipe.LPush(ctx, listKey, raw)
	pipe.LTrim(ctx, listKey, 0, int64(keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("retiring job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
