// Package idempotency provides content-addressed deduplication and
// resumable checkpoints for incident processing, backed by the KV store.
// KV failures never propagate: dedupe degrades to "not seen" so the
// operation proceeds, and checkpoint writes are best-effort.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long idempotency records and checkpoints live.
const DefaultTTL = 24 * time.Hour

// minRemainingTTL is the sweep floor: entries with less remaining TTL
// than this are deleted early rather than left to lazy expiry.
const minRemainingTTL = time.Hour

// CheckResult is the outcome of an idempotency lookup.
type CheckResult struct {
	IsIdempotent   bool
	ExistingResult map[string]any
	Key            string
}

// Checkpoint is a durable snapshot of progress within one
// (incident, state, attempt) coordinate.
type Checkpoint struct {
	IncidentID string         `json:"incidentId"`
	State      string         `json:"state"`
	Attempt    int            `json:"attempt"`
	Progress   int            `json:"progress"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Checksum   string         `json:"checksum"`
}

// Store implements the idempotency and checkpoint store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithTTL overrides the default record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an idempotency store namespaced under prefix.
func NewStore(client *redis.Client, prefix string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: prefix,
		ttl:    DefaultTTL,
		logger: logger.Named("idempotency"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key builds the deterministic idempotency key. The short hash covers the
// canonical JSON of data; json.Marshal sorts map keys, so two maps with
// the same entries in any order produce byte-equal keys. Nil data yields
// an empty hash segment.
func (s *Store) Key(incidentID, state string, attempt int, data map[string]any) (string, error) {
	shortHash := ""
	if data != nil {
		canonical, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("canonicalizing idempotency data: %w", err)
		}
		sum := sha256.Sum256(canonical)
		shortHash = hex.EncodeToString(sum[:])[:16]
	}
	return fmt.Sprintf("%s:idempotency:%s:%s:%d:%s", s.prefix, incidentID, state, attempt, shortHash), nil
}

// Check looks up a prior result for the coordinate. KV errors degrade to
// a miss so the operation proceeds.
func (s *Store) Check(ctx context.Context, incidentID, state string, attempt int, data map[string]any) CheckResult {
	key, err := s.Key(incidentID, state, attempt, data)
	if err != nil {
		s.logger.Warn("idempotency key generation failed", zap.Error(err))
		return CheckResult{}
	}

	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return CheckResult{Key: key}
	}
	if err != nil {
		s.logger.Warn("idempotency lookup failed, proceeding without dedupe",
			zap.String("key", key), zap.Error(err))
		return CheckResult{Key: key}
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		s.logger.Warn("corrupt idempotency record, proceeding without dedupe",
			zap.String("key", key), zap.Error(err))
		return CheckResult{Key: key}
	}
	return CheckResult{IsIdempotent: true, ExistingResult: result, Key: key}
}

// StoreResult caches the result under key with the store TTL. Failures
// are logged, never propagated; a missed cache write only costs a
// repeated operation later.
func (s *Store) StoreResult(ctx context.Context, key string, result map[string]any) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("idempotency result not serializable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
	}
}

// CreateCheckpoint writes the checkpoint for (incident, state, attempt),
// overwriting any prior one at the same coordinate. Best-effort.
func (s *Store) CreateCheckpoint(ctx context.Context, incidentID, state string, attempt, progress int, data map[string]any) {
	cp := Checkpoint{
		IncidentID: incidentID,
		State:      state,
		Attempt:    attempt,
		Progress:   progress,
		Data:       data,
		Timestamp:  s.now().UTC(),
	}
	cp.Checksum = s.checksum(cp)

	payload, err := json.Marshal(cp)
	if err != nil {
		s.logger.Warn("checkpoint not serializable", zap.String("incident_id", incidentID), zap.Error(err))
		return
	}
	key := s.checkpointKey(incidentID, state, attempt)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn("checkpoint write failed", zap.String("key", key), zap.Error(err))
	}
}

// LatestCheckpoint returns the newest checkpoint for the incident across
// all coordinates, or nil when none exists or the KV store is unhealthy.
func (s *Store) LatestCheckpoint(ctx context.Context, incidentID string) *Checkpoint {
	pattern := fmt.Sprintf("%s:checkpoint:%s:*", s.prefix, incidentID)

	var latest *Checkpoint
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			s.logger.Warn("corrupt checkpoint skipped", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		if latest == nil || cp.Timestamp.After(latest.Timestamp) {
			latest = &cp
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("checkpoint scan failed", zap.String("incident_id", incidentID), zap.Error(err))
		return nil
	}
	return latest
}

// Cleanup sweeps the namespace: idempotency entries with under an hour of
// TTL remaining are dropped early, and checkpoints older than
// olderThanHours are dropped regardless of TTL. Returns deletions.
func (s *Store) Cleanup(ctx context.Context, olderThanHours int) (int, error) {
	deleted := 0

	idemPattern := s.prefix + ":idempotency:*"
	iter := s.client.Scan(ctx, 0, idemPattern, 100).Iterator()
	for iter.Next(ctx) {
		ttl, err := s.client.TTL(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		if ttl >= 0 && ttl < minRemainingTTL {
			if s.client.Del(ctx, iter.Val()).Err() == nil {
				deleted++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning idempotency namespace: %w", err)
	}

	cutoff := s.now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	cpPattern := s.prefix + ":checkpoint:*"
	iter = s.client.Scan(ctx, 0, cpPattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil || cp.Timestamp.Before(cutoff) {
			if s.client.Del(ctx, iter.Val()).Err() == nil {
				deleted++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning checkpoint namespace: %w", err)
	}
	return deleted, nil
}

func (s *Store) checkpointKey(incidentID, state string, attempt int) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s:%d", s.prefix, incidentID, state, attempt)
}

// checksum covers the coordinate, progress, and canonical data so a
// rehydrated checkpoint can be verified before resuming from it.
func (s *Store) checksum(cp Checkpoint) string {
	canonical, err := json.Marshal(cp.Data)
	if err != nil {
		canonical = nil
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s", cp.IncidentID, cp.State, cp.Attempt, cp.Progress, canonical)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checkpoint checksum.
func (s *Store) Verify(cp *Checkpoint) bool {
	if cp == nil {
		return false
	}
	return s.checksum(*cp) == cp.Checksum
}
