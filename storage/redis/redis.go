// Package redis provides Redis implementations of the billing coordination
// primitives: a distributed per-key lock and a processed-event ledger. They
// let several quizgate instances share one webhook stream.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quizgate/pkg/billing"
)

// Config holds Redis coordination configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quizgate:")
	KeyPrefix string

	// LockTTL bounds how long a crashed holder can keep a lock (default: 30s)
	LockTTL time.Duration

	// LockRetryInterval is the polling interval while waiting for a lock (default: 25ms)
	LockRetryInterval time.Duration

	// LedgerTTL is how long processed event ids are remembered (default: 72h)
	LedgerTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "quizgate:",
		LockTTL:           30 * time.Second,
		LockRetryInterval: 25 * time.Millisecond,
		LedgerTTL:         72 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = d.LockRetryInterval
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = d.LedgerTTL
	}
	return c
}

// Coordinator implements billing.KeyLocker and billing.EventLedger on Redis
type Coordinator struct {
	client redis.UniversalClient
	config Config
}

var (
	_ billing.KeyLocker   = (*Coordinator)(nil)
	_ billing.EventLedger = (*Coordinator)(nil)
)

// release deletes the lock only while it still carries the caller's token.
var release = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// New creates a new Redis coordinator.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Coordinator{client: client, config: config.withDefaults()}, nil
}

func (c *Coordinator) lockKey(key string) string {
	return c.config.KeyPrefix + "lock:" + key
}

func (c *Coordinator) eventKey(eventID string) string {
	return c.config.KeyPrefix + "event:" + eventID
}

// Lock implements billing.KeyLocker. It polls SET NX until the key is free
// or ctx is done. A holder that outlives LockTTL loses the lock.
func (c *Coordinator) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := c.lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(c.config.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := c.client.SetNX(ctx, redisKey, token, c.config.LockTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release on a fresh context so a canceled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:errcheck // an unreleased lock expires after LockTTL
		_ = release.Run(releaseCtx, c.client, []string{redisKey}, token).Err()
	}, nil
}

// Seen implements billing.EventLedger
func (c *Coordinator) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Mark implements billing.EventLedger
func (c *Coordinator) Mark(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, c.eventKey(eventID), time.Now().UTC().Unix(), c.config.LedgerTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event %s: %w", eventID, err)
	}
	return nil
}

// Ping checks connectivity.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
