package incident

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/breaker"
	"github.com/sitemedic/sitemedic/internal/flapping"
	"github.com/sitemedic/sitemedic/internal/idempotency"
	"github.com/sitemedic/sitemedic/internal/probe"
	"github.com/sitemedic/sitemedic/internal/queue"
	"github.com/sitemedic/sitemedic/internal/watchdog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	client     *redis.Client
	queues     *queue.Manager
	processor  *Processor
	dispatcher *Dispatcher
	phases     *Phases
	clock      *fakeClock
	seen       map[string]bool
	terminals  []string
	escalated  []*JobPayload
}

func newTestEnv(t *testing.T, flapCfg flapping.Config, guardOpts ...watchdog.Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	logger := zap.NewNop()

	qm := queue.NewManager(client, "medic", logger, queue.WithClock(clock.Now))
	qm.DefaultQueues(15, 5)

	prober := probe.New(probe.Config{
		Timeout: 2 * time.Second, RetryAttempts: 1, RatePerSecond: 1000, Burst: 1000,
	}, logger)
	phases := NewPhases(prober, logger)

	env := &testEnv{
		client: client,
		queues: qm,
		phases: phases,
		clock:  clock,
		seen:   map[string]bool{},
	}

	flap := flapping.NewDetector(flapCfg, logger, flapping.WithClock(clock.Now))
	env.processor = NewProcessor(
		qm,
		breaker.NewRegistry(logger, breaker.WithClock(clock.Now)),
		flap,
		idempotency.NewStore(client, "medic", logger, idempotency.WithClock(clock.Now)),
		watchdog.NewGuard(logger, append(guardOpts, watchdog.WithClock(clock.Now))...),
		phases,
		logger,
		WithProcessorClock(clock.Now),
		WithTerminalHook(func(result string) { env.terminals = append(env.terminals, result) }),
		WithEscalationHook(func(p *JobPayload) { env.escalated = append(env.escalated, p) }),
	)
	env.dispatcher = NewDispatcher(qm, flap, 15, logger, WithDispatcherClock(clock.Now))
	return env
}

// nextJob returns the single job enqueued since the last call, or nil.
func (e *testEnv) nextJob(t *testing.T) *queue.Job {
	t.Helper()
	entries, err := e.client.HGetAll(context.Background(), "medic:queue:incident-processing:jobs").Result()
	require.NoError(t, err)

	var out *queue.Job
	for id, raw := range entries {
		if e.seen[id] {
			continue
		}
		require.Nil(t, out, "expected at most one new job")
		var j queue.Job
		require.NoError(t, json.Unmarshal([]byte(raw), &j))
		e.seen[id] = true
		out = &j
	}
	return out
}

// drive feeds enqueued jobs back to the processor until the pipeline
// quiesces, returning the states processed in order.
func (e *testEnv) drive(t *testing.T, maxSteps int) []State {
	t.Helper()
	var states []State
	for range maxSteps {
		job := e.nextJob(t)
		if job == nil {
			return states
		}
		var p JobPayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		states = append(states, p.CurrentState)

		var err error
		switch job.Name {
		case JobProcessIncident:
			err = e.processor.Process(context.Background(), job)
		case JobEscalateIncident:
			err = e.processor.HandleEscalation(context.Background(), job)
		}
		require.NoError(t, err)
		e.clock.Advance(time.Second)
	}
	t.Fatalf("pipeline did not quiesce within %d steps", maxSteps)
	return states
}

func TestHappyPathReachesFixed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, flapping.DefaultConfig())
	result, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:         "S1",
		ServerID:       "srv-1",
		TriggerType:    "monitor-alert",
		MaxFixAttempts: 3,
		Metadata:       map[string]any{"siteUrl": srv.URL},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.IncidentID)

	states := env.drive(t, 20)
	require.Equal(t, []State{
		StateNew, StateDiscovery, StateBaseline, StateBackup,
		StateObservability, StateFixAttempt, StateVerify, StateFixed,
	}, states)
	require.Equal(t, []string{"fixed"}, env.terminals)
	require.Empty(t, env.escalated)
}

func TestVerifyFailureRetriesThenRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestEnv(t, flapping.DefaultConfig())
	_, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:         "S2",
		ServerID:       "srv-2",
		TriggerType:    "monitor-alert",
		MaxFixAttempts: 2,
		Metadata:       map[string]any{"siteUrl": srv.URL},
	})
	require.NoError(t, err)

	states := env.drive(t, 30)
	require.Equal(t, []State{
		StateNew, StateDiscovery, StateBaseline, StateBackup,
		StateObservability, StateFixAttempt, StateVerify,
		StateFixAttempt, StateVerify,
		StateRollback, StateEscalated,
	}, states)

	require.Equal(t, []string{"escalated"}, env.terminals)
	require.Len(t, env.escalated, 1)
	esc := env.escalated[0]
	require.Equal(t, 2, esc.FixAttempts)
	require.NotEmpty(t, esc.Metadata["escalationReason"])
	require.NotEmpty(t, esc.Metadata["escalationTime"])
}

func TestLoopBoundsEscalate(t *testing.T) {
	env := newTestEnv(t, flapping.DefaultConfig(),
		watchdog.WithKindCaps("incident", watchdog.Caps{
			MaxIterations: 3,
			MaxRetries:    10,
			MaxWallClock:  time.Hour,
			MaxIdleTime:   time.Hour,
		}))

	var executions int
	env.phases.Set(StateDiscovery, func(ctx context.Context, p *JobPayload) (*StateResult, error) {
		executions++
		return &StateResult{Success: false, Error: "discovery keeps failing"}, nil
	})

	_, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:      "S6",
		ServerID:    "srv-6",
		TriggerType: "manual",
	})
	require.NoError(t, err)

	states := env.drive(t, 30)
	// NEW, then three failing DISCOVERY attempts; the fourth trips the
	// iteration cap before the executor runs and escalates.
	require.Equal(t, []State{
		StateNew,
		StateDiscovery, StateDiscovery, StateDiscovery, StateDiscovery,
		StateEscalated,
	}, states)
	require.Equal(t, 3, executions)
	require.Equal(t, []string{"escalated"}, env.terminals)
}

func TestBreakerFallbackFailsState(t *testing.T) {
	env := newTestEnv(t, flapping.DefaultConfig())
	env.processor.breakers.ForceOpen("state-fix_attempt")

	_, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:         "S9",
		ServerID:       "srv-9",
		TriggerType:    "manual",
		MaxFixAttempts: 1,
	})
	require.NoError(t, err)

	// The fix attempt is denied by its circuit; with one allowed attempt
	// the incident escalates straight away.
	states := env.drive(t, 15)
	require.Equal(t, []State{
		StateNew, StateDiscovery, StateBaseline, StateBackup,
		StateObservability, StateFixAttempt, StateEscalated,
	}, states)
	require.Len(t, env.escalated, 1)
	require.Contains(t, env.escalated[0].Metadata["escalationReason"], breakerFallbackError)
	require.Equal(t, 1, env.escalated[0].FixAttempts)
}

func TestIdempotentReplaySkipsExecution(t *testing.T) {
	env := newTestEnv(t, flapping.DefaultConfig())

	var executions int
	env.phases.Set(StateNew, func(ctx context.Context, p *JobPayload) (*StateResult, error) {
		executions++
		return &StateResult{Success: true}, nil
	})

	_, err := env.dispatcher.CreateIncident(context.Background(), CreateRequest{
		SiteID:      "S5",
		ServerID:    "srv-5",
		TriggerType: "manual",
	})
	require.NoError(t, err)

	job := env.nextJob(t)
	require.NotNil(t, job)
	require.NoError(t, env.processor.Process(context.Background(), job))
	require.Equal(t, 1, executions)

	successor := env.nextJob(t)
	require.NotNil(t, successor)

	// Replaying the same job hits the idempotency store: no second
	// execution, no extra successor.
	require.NoError(t, env.processor.Process(context.Background(), job))
	require.Equal(t, 1, executions)
	require.Nil(t, env.nextJob(t))
}
