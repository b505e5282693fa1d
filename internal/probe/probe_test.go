package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProber(t *testing.T) *Prober {
	t.Helper()
	return New(Config{
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RatePerSecond: 1000,
		Burst:         1000,
	}, zap.NewNop())
}

func TestProbeHealthySite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wordpress ok"))
	}))
	defer srv.Close()

	result, err := newTestProber(t).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, http.StatusOK, result.Status)
	require.Equal(t, "wordpress ok", result.Body)
}

func TestProbe4xxIsCompletedButNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	result, err := newTestProber(t).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, http.StatusForbidden, result.Status)
}

func TestProbeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result, err := newTestProber(t).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.EqualValues(t, 3, calls.Load())
}

func TestProbePersistent5xxReportedAsFailedProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result, err := newTestProber(t).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, http.StatusBadGateway, result.Status)
}

func TestProbeUnreachableHost(t *testing.T) {
	p := New(Config{Timeout: 200 * time.Millisecond, RetryAttempts: 1, RatePerSecond: 1000, Burst: 10}, zap.NewNop())
	_, err := p.Probe(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
}
