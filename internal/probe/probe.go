// Package probe performs HTTP health probes against sites and servers.
// Probes are rate limited and retried with exponential backoff so a
// flapping target does not amplify load on itself.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of a response body a probe retains.
const maxBodyBytes = 64 * 1024

// Result is the outcome of one probe.
type Result struct {
	OK       bool
	Status   int
	Body     string
	Duration time.Duration
}

// Config holds probe behavior.
type Config struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// RetryAttempts is the total number of attempts per probe.
	RetryAttempts int
	// RatePerSecond caps outgoing probes across all callers.
	RatePerSecond float64
	// Burst is the limiter burst size.
	Burst int
}

// DefaultConfig returns probe defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RatePerSecond: 10,
		Burst:         5,
	}
}

// Prober issues HTTP GET probes.
type Prober struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	return &Prober{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.Named("probe"),
	}
}

// Probe fetches url, retrying transport errors and 5xx responses with
// exponential backoff. A non-5xx HTTP response is a completed probe even
// when it is not OK.
func (p *Prober) Probe(ctx context.Context, url string) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("probe rate limit: %w", err)
	}

	started := time.Now()
	var result Result

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building probe request: %w", err))
		}
		req.Header.Set("User-Agent", "sitemedic-probe/1.0")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("probing %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		result = Result{
			OK:     resp.StatusCode >= 200 && resp.StatusCode < 400,
			Status: resp.StatusCode,
			Body:   string(body),
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probing %s: status %d", url, resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.RetryAttempts-1)), ctx)
	err := backoff.Retry(attempt, policy)
	result.Duration = time.Since(started)

	if err != nil && result.Status == 0 {
		p.logger.Debug("probe failed", zap.String("url", url), zap.Error(err))
		return result, err
	}
	// A 5xx after all retries is reported as a completed, failed probe.
	return result, nil
}
