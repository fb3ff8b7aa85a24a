//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/persistence/memory"
)

func startRedis(t *testing.T) *RedisLeaderboardCache {
	t.Helper()
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLeaderboardCache(client, 200*time.Millisecond)
}

func TestRedisLeaderboardCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := startRedis(t)

	_, ok, err := c.Get(ctx, 10)
	require.NoError(t, err)
	require.False(t, ok)

	entries := []domain.LeaderboardEntry{
		{Rank: 1, OwnerID: "a", XP: 60, Level: 1, Streak: 2, Score: 60},
		{Rank: 2, OwnerID: "b", XP: 20, Level: 1, Streak: 1, Score: 20},
	}
	require.NoError(t, c.Set(ctx, 10, entries))

	got, ok, err := c.Get(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries, got)

	_, ok, err = c.Get(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok, "snapshots are keyed by limit")

	require.Eventually(t, func() bool {
		_, ok, err := c.Get(ctx, 10)
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServiceServesCachedLeaderboard(t *testing.T) {
	ctx := context.Background()
	c := startRedis(t)
	repo := memory.NewRepository()
	svc := domain.NewService(repo, domain.WithLeaderboardCache(c))

	_, err := svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "a"})
	require.NoError(t, err)
	_, _, err = svc.LogActivity(ctx, domain.LogActivityInput{OwnerID: "a", Details: domain.WasteDetails{WeightKg: 1}})
	require.NoError(t, err)

	first, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "b"})
	require.NoError(t, err)

	cached, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, first, cached, "a fresh snapshot is served until it expires")
}
