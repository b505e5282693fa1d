package retention

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/queue"
)

// Job names consumed from the data-retention queue.
const (
	JobPurgeData        = "PURGE_DATA"
	JobCleanupArtifacts = "CLEANUP_ARTIFACTS"
	JobAnonymizeData    = "ANONYMIZE_DATA"
	JobEmergencyPurge   = "EMERGENCY_PURGE"
)

// EmergencyPayload names the table an emergency purge targets.
type EmergencyPayload struct {
	Table string `json:"table"`
}

// MaintenancePayload carries the age window for cleanup and
// anonymization jobs.
type MaintenancePayload struct {
	OlderThanHours int `json:"olderThanHours,omitempty"`
}

// RegisterHandlers binds the retention job names to this coordinator.
func (c *Coordinator) RegisterHandlers(registry *queue.HandlerRegistry) {
	registry.Register(JobPurgeData, c.handlePurge)
	registry.Register(JobCleanupArtifacts, c.handleCleanup)
	registry.Register(JobAnonymizeData, c.handleAnonymize)
	registry.Register(JobEmergencyPurge, c.handleEmergency)
}

func (c *Coordinator) handlePurge(ctx context.Context, job *queue.Job) error {
	var req PurgeRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("decoding purge payload: %w", err)
	}
	_, err := c.Execute(ctx, req)
	return err
}

func (c *Coordinator) handleCleanup(ctx context.Context, job *queue.Job) error {
	var p MaintenancePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding cleanup payload: %w", err)
	}
	hours := p.OlderThanHours
	if hours <= 0 {
		hours = 7 * 24
	}
	n, err := c.CleanupArtifacts(ctx, hoursToDuration(hours))
	if err != nil {
		return err
	}
	c.logger.Info("artifact cleanup finished", zap.Int64("removed", n))
	return nil
}

func (c *Coordinator) handleAnonymize(ctx context.Context, job *queue.Job) error {
	var p MaintenancePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding anonymize payload: %w", err)
	}
	hours := p.OlderThanHours
	if hours <= 0 {
		hours = 30 * 24
	}
	_, err := c.Anonymize(ctx, hoursToDuration(hours))
	return err
}

func (c *Coordinator) handleEmergency(ctx context.Context, job *queue.Job) error {
	var p EmergencyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding emergency purge payload: %w", err)
	}
	if p.Table == "" {
		return fmt.Errorf("emergency purge payload names no table")
	}
	_, err := c.EmergencyPurge(ctx, p.Table)
	return err
}
