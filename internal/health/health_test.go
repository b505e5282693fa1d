package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/probe"
	"github.com/sitemedic/sitemedic/internal/queue"
)

func newProber(t *testing.T) *probe.Prober {
	t.Helper()
	return probe.New(probe.Config{
		Timeout: 2 * time.Second, RetryAttempts: 1, RatePerSecond: 1000, Burst: 1000,
	}, zap.NewNop())
}

func checkJob(t *testing.T, p CheckPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Payload: raw}
}

func TestSiteCheckReportsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var gotKind, gotTarget string
	var gotHealthy bool
	c := NewChecker(newProber(t), nil, zap.NewNop(),
		WithResultHook(func(kind, target string, healthy bool) {
			gotKind, gotTarget, gotHealthy = kind, target, healthy
		}))

	err := c.handleTarget("site")(context.Background(), checkJob(t, CheckPayload{
		TargetID: "site-1", URL: srv.URL,
	}))
	require.NoError(t, err)
	require.Equal(t, "site", gotKind)
	require.Equal(t, "site-1", gotTarget)
	require.True(t, gotHealthy)
}

func TestSiteCheckUnhealthyIsNotAJobFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var healthy bool
	c := NewChecker(newProber(t), nil, zap.NewNop(),
		WithResultHook(func(kind, target string, h bool) { healthy = h }))

	err := c.handleTarget("site")(context.Background(), checkJob(t, CheckPayload{
		TargetID: "site-2", URL: srv.URL,
	}))
	require.NoError(t, err)
	require.False(t, healthy)
}

func TestSystemCheckFailsOnBrokenSubstrate(t *testing.T) {
	pings := []Ping{
		{Name: "kv", Fn: func(ctx context.Context) error { return nil }},
		{Name: "db", Fn: func(ctx context.Context) error { return errors.New("down") }},
	}
	results := map[string]bool{}
	c := NewChecker(newProber(t), pings, zap.NewNop(),
		WithResultHook(func(kind, target string, healthy bool) { results[target] = healthy }))

	err := c.handleSystem(context.Background(), &queue.Job{Payload: []byte(`{}`)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "db")
	require.True(t, results["kv"])
	require.False(t, results["db"])
}
