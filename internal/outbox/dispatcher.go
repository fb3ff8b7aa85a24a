// Package outbox delivers persisted domain events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/ecoprogress/internal/domain"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// claimLease is how long a claimed but unpublished row stays invisible to
// other dispatchers. A dispatcher that dies mid-batch releases its rows when
// the lease runs out.
const claimLease = 5 * time.Minute

// Message is one unpublished outbox row. Field order matches claimQuery.
type Message struct {
	EventID       int64
	OwnerID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
	DedupeKey     string
}

// Dispatcher relays outbox rows to Kafka, framing each payload with the
// Schema Registry id of its event type.
type Dispatcher struct {
	pool     *pgxpool.Pool
	producer messageWriter
	registry schemaRegistrar
	dlq      *DLQWriter
	logger   *zap.Logger
	interval time.Duration
	limit    int

	schemaIDs sync.Map // subject -> int
	done      chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		pool:     pool,
		producer: producer,
		registry: registry,
		dlq:      NewDLQWriter(pool),
		logger:   logger.Named("outbox"),
		interval: pollInterval,
		limit:    batchSize,
		done:     make(chan struct{}),
	}
}

// Start polls until ctx is cancelled. A full batch is followed immediately by
// another poll; otherwise the dispatcher sleeps for the poll interval.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := d.relay(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox relay failed", zap.Error(err))
		}
		if n == d.limit {
			timer.Reset(0)
		} else {
			timer.Reset(d.interval)
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	_, err := d.relay(ctx)
	return err
}

// relay claims one batch and publishes it. A batch that cannot be delivered
// is copied to the DLQ table; either way its rows leave the outbox.
func (d *Dispatcher) relay(ctx context.Context) (int, error) {
	msgs, err := d.claim(ctx)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}

	started := time.Now()
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	if deliverErr := d.deliver(ctx, msgs); deliverErr != nil {
		d.logger.Warn("outbox batch undeliverable; dead-lettering",
			zap.Int("events", len(msgs)), zap.Int64("first_event_id", msgs[0].EventID), zap.Error(deliverErr))
		failedCounter.Add(float64(len(msgs)))
		for _, msg := range msgs {
			if err := d.dlq.Write(ctx, msg, fmt.Sprintf("%s (topic=%s)", deliverErr, msg.Topic)); err != nil {
				return 0, err
			}
			dlqCounter.WithLabelValues(msg.Topic).Inc()
		}
	} else {
		deliveredCounter.Add(float64(len(msgs)))
	}

	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.EventID
	}
	if _, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	return len(msgs), nil
}

const claimQuery = `
SELECT event_id, owner_id, aggregate_type, aggregate_id, event_type, topic,
       schema_subject, partition_key, payload, dedupe_key
FROM outbox
WHERE published_at IS NULL
  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
ORDER BY event_id
LIMIT $1
FOR UPDATE SKIP LOCKED`

// claim locks up to limit unpublished rows and stamps claimed_at on them.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	var msgs []Message
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimQuery, d.limit, claimLease.Seconds())
		if err != nil {
			return err
		}
		msgs, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
		if err != nil || len(msgs) == 0 {
			return err
		}
		ids := make([]int64, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.EventID
		}
		_, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return msgs, nil
}

// deliver writes msgs grouped by topic, topics in order of first appearance.
// The partition key is the owner id, so one owner's events stay ordered.
func (d *Dispatcher) deliver(ctx context.Context, msgs []Message) error {
	type topicBatch struct {
		topic   string
		records []kafka.Message
	}
	var batches []*topicBatch
	byTopic := make(map[string]*topicBatch)

	now := time.Now().UTC()
	for _, msg := range msgs {
		schema, ok := eventSchemas[msg.EventType]
		if !ok {
			return fmt.Errorf("no schema registered for event type %q", msg.EventType)
		}
		id, err := d.schemaID(ctx, msg.SchemaSubject, schema)
		if err != nil {
			return fmt.Errorf("resolve schema %s: %w", msg.SchemaSubject, err)
		}

		b := byTopic[msg.Topic]
		if b == nil {
			b = &topicBatch{topic: msg.Topic}
			byTopic[msg.Topic] = b
			batches = append(batches, b)
		}
		b.records = append(b.records, kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(id, msg.Payload),
			Time:  now,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "dedupe_key", Value: []byte(msg.DedupeKey)},
			},
		})
	}

	for _, b := range batches {
		if err := d.producer.WriteMessages(ctx, b.topic, b.records...); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if id, ok := d.schemaIDs.Load(subject); ok {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

// encodeWireFormat prepends the Confluent header: magic byte 0 and the
// big-endian schema id.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	return append(frame, payload...)
}

var eventSchemas = map[string]string{
	domain.EventActivityLogged:    activityLoggedSchema,
	domain.EventProgressionSynced: progressionSyncedSchema,
}
