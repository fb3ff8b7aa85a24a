//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"example.com/ecoprogress/internal/domain"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("ecoprogress"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runMigrations(t, ctx, pool)
	return pool
}

func TestRepositoryProgressionLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	svc := domain.NewService(repo, domain.WithLocation(time.UTC), domain.WithClock(func() time.Time { return now }))

	_, err := svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "owner-1", DisplayName: "One", State: "Goa"})
	require.NoError(t, err)
	_, err = svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "owner-2", DisplayName: "Two", State: "goa"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, err := svc.LogActivity(ctx, domain.LogActivityInput{
			OwnerID:    "owner-1",
			Details:    domain.TransportDetails{Mode: "train", DistanceKm: float64(10 * (i + 1))},
			OccurredAt: now.Add(-time.Duration(i) * time.Hour),
			State:      domain.StatePending,
		})
		require.NoError(t, err)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.SyncPending(ctx, "owner-1")
			return err
		})
	}
	require.NoError(t, g.Wait())

	profile, err := repo.GetProfile(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, int64(80), profile.Progression.XP)
	require.Equal(t, int64(20), profile.Progression.EcoCoins)
	require.InDelta(t, 20.0, profile.Progression.LifetimeEmissionKg, 1e-9)
	require.Equal(t, int64(1), profile.Progression.Version)

	rank, err := svc.RankOf(ctx, "owner-2", domain.ScopeState)
	require.NoError(t, err)
	require.Equal(t, 2, rank.Rank)

	board, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "owner-1", board[0].OwnerID)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE owner_id=$1`, "owner-1").Scan(&outboxRows))
	require.Equal(t, 5, outboxRows)
}

func TestRepositoryRollsBackFailedUnitOfWork(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewRepository(pool)
	svc := domain.NewService(repo)

	_, err := svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "owner-1"})
	require.NoError(t, err)
	_, _, err = svc.LogActivity(ctx, domain.LogActivityInput{
		OwnerID: "owner-1",
		Details: domain.WasteDetails{WeightKg: 3},
		State:   domain.StatePending,
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithOwner(ctx, "owner-1", func(tx domain.OwnerTx) error {
		pending, err := tx.PendingActivities(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NoError(t, tx.MarkProcessed(ctx, pending[0].ID, 3.6, domain.SourceStatic, time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = repo.WithOwner(ctx, "owner-1", func(tx domain.OwnerTx) error {
		pending, err := tx.PendingActivities(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1, "rolled back transition must leave the activity pending")
		return nil
	})
	require.NoError(t, err)

	err = repo.WithOwner(ctx, "nobody", func(domain.OwnerTx) error { return nil })
	require.ErrorIs(t, err, domain.ErrOwnerUnresolved)
}

func TestRepositoryRemoveAndIdempotency(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewRepository(pool)
	svc := domain.NewService(repo)

	for _, owner := range []string{"owner-1", "owner-2"} {
		_, err := svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: owner})
		require.NoError(t, err)
	}

	in := domain.LogActivityInput{
		OwnerID:        "owner-1",
		Details:        domain.EnergyDetails{UsageKWh: 12},
		IdempotencyKey: "chat-42",
	}
	first, replay, err := svc.LogActivity(ctx, in)
	require.NoError(t, err)
	require.False(t, replay)
	second, replay, err := svc.LogActivity(ctx, in)
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, first.ID, second.ID)

	require.ErrorIs(t, svc.RemoveActivity(ctx, "owner-2", first.ID), domain.ErrForbidden)
	require.ErrorIs(t, svc.RemoveActivity(ctx, "owner-1", "not-a-uuid"), domain.ErrActivityNotFound)
	require.NoError(t, svc.RemoveActivity(ctx, "owner-1", first.ID))

	profile, err := repo.GetProfile(ctx, "owner-1")
	require.NoError(t, err)
	require.InDelta(t, 12*0.85, profile.Progression.LifetimeEmissionKg, 1e-9)
}

func runMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	path := resolvePath(t, "../../../db/postgres/migrations/0001_init.up.sql")
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(contents))
	require.NoError(t, err)
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
