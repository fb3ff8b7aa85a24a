package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/persistence/memory"
)

var ingestNow = time.Date(2024, time.March, 3, 9, 0, 0, 0, time.UTC)

func newIngestFixture(t *testing.T) (*IngestHandler, *domain.Service) {
	t.Helper()
	svc := domain.NewService(memory.NewRepository(),
		domain.WithClock(func() time.Time { return ingestNow }),
		domain.WithLocation(time.UTC),
	)
	_, err := svc.RegisterOwner(context.Background(), domain.RegisterOwnerInput{OwnerID: "u1"})
	require.NoError(t, err)
	return NewIngestHandler(svc, zaptest.NewLogger(t)), svc
}

func pendingActivities(t *testing.T, svc *domain.Service) []domain.Activity {
	t.Helper()
	activities, _, err := svc.ListActivities(context.Background(), "u1", domain.ActivityFilter{})
	require.NoError(t, err)
	return activities
}

func TestIngestStoresPendingActivity(t *testing.T) {
	handler, svc := newIngestFixture(t)

	payload := []byte(`{"event_id":"evt-1","owner_id":"u1","category":"transport","subtype":"bus","quantity":12,"unit":"km","occurred_at":"2024-03-02T18:00:00Z"}`)
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:1"))

	activities := pendingActivities(t, svc)
	require.Len(t, activities, 1)
	require.Equal(t, domain.StatePending, activities[0].State)
	require.Equal(t, "bus", activities[0].Subtype)
	require.Equal(t, time.Date(2024, time.March, 2, 18, 0, 0, 0, time.UTC), activities[0].OccurredAt)

	profile, err := svc.Profile(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, profile.Progression.XP, "pending activities are not folded at ingest")

	result, err := svc.SyncPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.InDelta(t, 12*0.2, result.EmissionAddedKg, 1e-9)
}

func TestIngestIsIdempotentPerEventID(t *testing.T) {
	handler, svc := newIngestFixture(t)

	payload := []byte(`{"event_id":"evt-7","owner_id":"u1","category":"waste","quantity":2}`)
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:1"))
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:2"))
	require.Len(t, pendingActivities(t, svc), 1)
}

func TestIngestFallsBackToSourceKey(t *testing.T) {
	handler, svc := newIngestFixture(t)

	payload := []byte(`{"owner_id":"u1","category":"energy","quantity":3,"footprint_kg":1.25}`)
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:5"))
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:5"))
	require.NoError(t, handler.Ingest(context.Background(), payload, "kafka:t:0:6"))

	activities := pendingActivities(t, svc)
	require.Len(t, activities, 2)
	require.Equal(t, 1.25, activities[0].FootprintKg)
}

func TestIngestRejectsPermanentFailures(t *testing.T) {
	handler, svc := newIngestFixture(t)

	cases := map[string]string{
		"malformed":        `{"owner_id":`,
		"unknown category": `{"owner_id":"u1","category":"travel","quantity":1}`,
		"wrong unit":       `{"owner_id":"u1","category":"transport","quantity":1,"unit":"miles"}`,
		"zero quantity":    `{"owner_id":"u1","category":"food","subtype":"vegan","quantity":0}`,
		"unknown owner":    `{"owner_id":"ghost","category":"food","subtype":"vegan","quantity":1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := handler.Ingest(context.Background(), []byte(payload), "amqp:"+name)
			require.ErrorIs(t, err, ErrRejected)
		})
	}
	require.Empty(t, pendingActivities(t, svc))
}

func TestHandleAcknowledgesRejectedAndForeignRecords(t *testing.T) {
	handler, _ := newIngestFixture(t)

	require.NoError(t, handler.Handle(context.Background(), Message{EventType: DefaultEventType, Payload: []byte(`{"owner_id":"ghost"}`)}))
	require.NoError(t, handler.Handle(context.Background(), Message{EventType: "activity.logged", Payload: []byte(`{}`)}))
}

func TestHandleReturnsRetryableFailures(t *testing.T) {
	boom := errors.New("db down")
	handler := NewIngestHandler(failingLogger{err: boom}, zaptest.NewLogger(t))

	err := handler.Handle(context.Background(), Message{
		EventType: DefaultEventType,
		Payload:   []byte(`{"owner_id":"u1","category":"food","subtype":"vegan","quantity":1}`),
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrRejected)
}

type failingLogger struct{ err error }

func (f failingLogger) LogActivity(context.Context, domain.LogActivityInput) (*domain.Activity, bool, error) {
	return nil, false, f.err
}
