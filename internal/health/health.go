// Package health implements the health-check job family: HTTP probes
// of sites and servers plus a system self-check of the orchestrator's
// own substrates.
package health

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/probe"
	"github.com/sitemedic/sitemedic/internal/queue"
)

// Job names consumed from the health-checks queue.
const (
	JobSiteCheck   = "SITE_HEALTH_CHECK"
	JobServerCheck = "SERVER_HEALTH_CHECK"
	JobSystemCheck = "SYSTEM_HEALTH_CHECK"
)

// CheckPayload identifies the probe target.
type CheckPayload struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url,omitempty"`
}

// Ping verifies one backing substrate (KV, database).
type Ping struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Checker runs the health-check jobs.
type Checker struct {
	prober   *probe.Prober
	pings    []Ping
	logger   *zap.Logger
	onResult func(kind, target string, healthy bool)
}

// Option configures a Checker.
type Option func(*Checker)

// WithResultHook registers a callback per completed check.
func WithResultHook(fn func(kind, target string, healthy bool)) Option {
	return func(c *Checker) { c.onResult = fn }
}

// NewChecker creates a checker. pings are the substrates covered by the
// system check.
func NewChecker(prober *probe.Prober, pings []Ping, logger *zap.Logger, opts ...Option) *Checker {
	c := &Checker{
		prober: prober,
		pings:  pings,
		logger: logger.Named("health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterHandlers binds the health job names to this checker.
func (c *Checker) RegisterHandlers(registry *queue.HandlerRegistry) {
	registry.Register(JobSiteCheck, c.handleTarget("site"))
	registry.Register(JobServerCheck, c.handleTarget("server"))
	registry.Register(JobSystemCheck, c.handleSystem)
}

func (c *Checker) handleTarget(kind string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p CheckPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decoding health-check payload: %w", err)
		}
		if p.URL == "" {
			return fmt.Errorf("health check for %s %s has no url", kind, p.TargetID)
		}

		result, err := c.prober.Probe(ctx, p.URL)
		healthy := err == nil && result.OK
		c.report(kind, p.TargetID, healthy)
		c.logger.Info("health check finished",
			zap.String("kind", kind),
			zap.String("targetId", p.TargetID),
			zap.Bool("healthy", healthy),
			zap.Int("status", result.Status))
		return nil
	}
}

// handleSystem pings every registered substrate. The job fails when any
// substrate is down so the failure lands in the queue's failed set.
func (c *Checker) handleSystem(ctx context.Context, job *queue.Job) error {
	var firstErr error
	for _, ping := range c.pings {
		err := ping.Fn(ctx)
		healthy := err == nil
		c.report("system", ping.Name, healthy)
		if err != nil {
			c.logger.Warn("substrate unhealthy", zap.String("name", ping.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("substrate %s: %w", ping.Name, err)
			}
		}
	}
	return firstErr
}

func (c *Checker) report(kind, target string, healthy bool) {
	if c.onResult != nil {
		c.onResult(kind, target, healthy)
	}
}
