// Package cache holds short-lived leaderboard snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/ecoprogress/internal/domain"
)

const leaderboardKeyPrefix = "leaderboard:top:"

// DefaultLeaderboardTTL bounds how stale a served leaderboard may be.
const DefaultLeaderboardTTL = 30 * time.Second

// RedisLeaderboardCache implements domain.LeaderboardCache on a Redis string
// per limit, expired by TTL. Snapshots are never invalidated on write.
type RedisLeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ domain.LeaderboardCache = (*RedisLeaderboardCache)(nil)

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisLeaderboardCache wraps client; a non-positive ttl uses DefaultLeaderboardTTL.
func NewRedisLeaderboardCache(client *redis.Client, ttl time.Duration) *RedisLeaderboardCache {
	if ttl <= 0 {
		ttl = DefaultLeaderboardTTL
	}
	return &RedisLeaderboardCache{client: client, ttl: ttl}
}

func leaderboardKey(limit int) string {
	return fmt.Sprintf("%s%d", leaderboardKeyPrefix, limit)
}

// Get returns the cached snapshot for limit, or ok=false on a miss.
func (c *RedisLeaderboardCache) Get(ctx context.Context, limit int) ([]domain.LeaderboardEntry, bool, error) {
	data, err := c.client.Get(ctx, leaderboardKey(limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get leaderboard snapshot: %w", err)
	}

	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("decode leaderboard snapshot: %w", err)
	}
	return entries, true, nil
}

// Set stores the snapshot for limit with the configured TTL.
func (c *RedisLeaderboardCache) Set(ctx context.Context, limit int, entries []domain.LeaderboardEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode leaderboard snapshot: %w", err)
	}
	if err := c.client.Set(ctx, leaderboardKey(limit), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store leaderboard snapshot: %w", err)
	}
	return nil
}
