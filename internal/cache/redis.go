// Package cache holds the Redis-backed eligibility cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stemAttendanceAPI/internal/config"
)

const keyPrefix = "attendance:verified"

func New(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// EligibilityCache stores positive "user verified for event" answers.
// Verifications are never revoked, so entries only expire to bound memory.
type EligibilityCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewEligibilityCache(rdb redis.Cmdable, ttl time.Duration) *EligibilityCache {
	return &EligibilityCache{rdb: rdb, ttl: ttl}
}

func (c *EligibilityCache) IsVerified(ctx context.Context, eventID, userID int64) (bool, error) {
	n, err := c.rdb.Exists(ctx, verifiedKey(eventID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *EligibilityCache) MarkVerified(ctx context.Context, eventID, userID int64) error {
	if err := c.rdb.Set(ctx, verifiedKey(eventID, userID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func verifiedKey(eventID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", keyPrefix, eventID, userID)
}
