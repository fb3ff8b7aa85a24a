//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zaptest"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/events"
	"example.com/ecoprogress/internal/persistence/memory"
)

func TestKafkaIngestStoresPendingActivity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]
	topic := "activity_ingest"

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	svc := domain.NewService(memory.NewRepository(), domain.WithLocation(time.UTC))
	_, err = svc.RegisterOwner(ctx, domain.RegisterOwnerInput{OwnerID: "owner-k", DisplayName: "Kafka"})
	require.NoError(t, err)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		GroupID:     "ecoprogress-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	logger := zaptest.NewLogger(t)
	proc := NewProcessor(reader, NewIngestHandler(svc, logger), WithLogger(logger))
	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = proc.Run(consumerCtx)
	}()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		BatchTimeout: 10 * time.Millisecond,
	}
	defer writer.Close()

	occurred := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	evt := events.ActivityIngested{
		EventID:    "evt-kafka-1",
		OwnerID:    "owner-k",
		Category:   "energy",
		Subtype:    "grid",
		Quantity:   4,
		Unit:       "kwh",
		OccurredAt: &occurred,
	}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	// The same event twice: the second delivery must be absorbed by the
	// idempotency key.
	for i := 0; i < 2; i++ {
		require.NoError(t, writer.WriteMessages(ctx, kafka.Message{
			Key:     []byte(evt.OwnerID),
			Value:   payload,
			Headers: []kafka.Header{{Key: "event_type", Value: []byte(DefaultEventType)}},
		}))
	}

	require.Eventually(t, func() bool {
		items, _, err := svc.ListActivities(ctx, "owner-k", domain.ActivityFilter{})
		return err == nil && len(items) == 1
	}, time.Minute, 500*time.Millisecond)

	items, _, err := svc.ListActivities(ctx, "owner-k", domain.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, domain.StatePending, items[0].State)

	res, err := svc.SyncPending(ctx, "owner-k")
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.InDelta(t, 3.4, res.EmissionAddedKg, 1e-9)
}
