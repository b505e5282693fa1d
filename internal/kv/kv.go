// Package kv owns the Redis connection used for idempotency records,
// checkpoints, and the queue substrate.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds each connection attempt; the overall connect is
	// retried with exponential backoff up to MaxConnectElapsed.
	DialTimeout       time.Duration
	MaxConnectElapsed time.Duration
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "localhost:6379",
		DialTimeout:       5 * time.Second,
		MaxConnectElapsed: 30 * time.Second,
	}
}

// Connect builds a Redis client and verifies it with PING, retrying with
// exponential backoff. Command retries inside the client tolerate
// transient failures, including failover READONLY replies.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*redis.Client, error) {
	log := logger.Named("kv")

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			log.Debug("redis connection established", zap.String("addr", cfg.Addr))
			return nil
		},
	})

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.MaxConnectElapsed

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed, retrying", zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	log.Info("connected to redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// IsReadOnly reports whether err is a replica READONLY reply, seen during
// failover when writes land on a demoted node. Callers treat it as
// transient and let the client's retry policy re-dial.
func IsReadOnly(err error) bool {
	return err != nil && strings.Contains(err.Error(), "READONLY")
}
