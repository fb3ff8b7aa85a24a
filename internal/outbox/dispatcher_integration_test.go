//go:build integration

package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/persistence/postgres"
)

func TestDispatcherPublishesServiceEvents(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	seedServiceEvents(t, ctx, pool)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, nil, 10*time.Millisecond, 50)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	topics := map[string]int{}
	for _, batch := range producer.writes {
		topics[batch.topic] += len(batch.messages)
		for _, msg := range batch.messages {
			require.Equal(t, "owner-1", string(msg.Key))
		}
	}
	require.Equal(t, map[string]int{"activity_events": 2, "progression_events": 1}, topics)
	require.Len(t, registry.calls, 2, "one registry lookup per subject")

	require.InDelta(t, beforeDelivered+3, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var unpublished int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&unpublished))
	require.Zero(t, unpublished)

	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 2, "published rows are not claimed again")
}

func TestDispatcherFailureRoutesToDLQAndReplays(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	seedServiceEvents(t, ctx, pool)

	registry := &stubRegistry{id: 7}
	failing := NewDispatcher(pool, &stubProducer{err: errors.New("kafka write failed")}, registry, nil, 10*time.Millisecond, 50)

	beforeFailed := testutil.ToFloat64(failedCounter)
	require.NoError(t, failing.processBatch(ctx))
	require.InDelta(t, beforeFailed+3, testutil.ToFloat64(failedCounter), 0.0001)

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE owner_id = $1`, "owner-1").Scan(&dlqCount))
	require.Equal(t, 3, dlqCount)

	manager := NewDLQManager(pool, nil, 3, time.Second)
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 3, replayed)
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))

	producer := &stubProducer{}
	healthy := NewDispatcher(pool, producer, registry, nil, 10*time.Millisecond, 50)
	require.NoError(t, healthy.processBatch(ctx))

	delivered := 0
	for _, batch := range producer.writes {
		delivered += len(batch.messages)
	}
	require.Equal(t, 3, delivered)

	var replayKeys int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE dedupe_key LIKE '%:replay:%'`).Scan(&replayKeys))
	require.Equal(t, 3, replayKeys)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	_, err := pool.Exec(ctx,
		`INSERT INTO outbox_dlq (owner_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, dedupe_key, retry_count, next_retry_at)
         VALUES ('owner-1', 1, 'activity.logged', 'activity_events', '{}', 'boom', 'activity', 'a-1', 'activity_events-value', 'owner-1', 'activity.logged:a-1', 3, NOW())`)
	require.NoError(t, err)

	manager := NewDLQManager(pool, nil, 3, time.Second)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantine_reason FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&reason))
	require.Equal(t, "retry limit reached", reason)

	processed, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
}

// seedServiceEvents drives the domain service so the outbox holds exactly
// what production writes: two activity.logged rows and one progression.synced.
func seedServiceEvents(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	svc := domain.NewService(postgres.NewRepository(pool))

	_, err := svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "owner-1"})
	require.NoError(t, err)
	for _, km := range []float64{5, 12} {
		_, _, err := svc.LogActivity(ctx, domain.LogActivityInput{
			OwnerID: "owner-1",
			Details: domain.TransportDetails{Mode: "bus", DistanceKm: km},
			State:   domain.StatePending,
		})
		require.NoError(t, err)
	}
	result, err := svc.SyncPending(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

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

	contents, err := os.ReadFile(resolvePath(t, "../../db/postgres/migrations/0001_init.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(contents))
	require.NoError(t, err)
	return pool
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
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
