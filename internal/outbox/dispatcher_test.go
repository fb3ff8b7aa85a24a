package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/ecoprogress/internal/domain"
)

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(513, []byte(`{"a":1}`))
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(513), binary.BigEndian.Uint32(frame[1:5]))
	require.JSONEq(t, `{"a":1}`, string(frame[5:]))
}

func TestDeliverGroupsByTopicAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 9}
	d := NewDispatcher(nil, producer, registry, nil, time.Second, 10)

	messages := []Message{
		outboxMessage(1, domain.EventActivityLogged, "activity_events"),
		outboxMessage(2, domain.EventProgressionSynced, "progression_events"),
		outboxMessage(3, domain.EventActivityLogged, "activity_events"),
	}
	require.NoError(t, d.deliver(context.Background(), messages))
	require.NoError(t, d.deliver(context.Background(), messages[:1]))

	require.Len(t, producer.writes, 3)
	require.Equal(t, "activity_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "progression_events", producer.writes[1].topic)
	require.Equal(t, []string{"activity_events-value", "progression_events-value"}, registry.calls)

	record := producer.writes[0].messages[0]
	require.Equal(t, "owner-1", string(record.Key))
	require.Equal(t, uint32(9), binary.BigEndian.Uint32(record.Value[1:5]))
	require.Contains(t, record.Headers, kafka.Header{Key: "event_type", Value: []byte(domain.EventActivityLogged)})
}

func TestDeliverRejectsUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 1}
	d := NewDispatcher(nil, producer, registry, nil, time.Second, 10)

	err := d.deliver(context.Background(), []Message{outboxMessage(1, "activity.unknown", "activity_events")})
	require.ErrorContains(t, err, `no schema registered for event type "activity.unknown"`)
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverPropagatesProducerErrors(t *testing.T) {
	d := NewDispatcher(nil, &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 1}, nil, time.Second, 10)
	err := d.deliver(context.Background(), []Message{outboxMessage(1, domain.EventActivityLogged, "activity_events")})
	require.ErrorContains(t, err, "broker down")
}

func TestBackoffDelayIsCapped(t *testing.T) {
	m := NewDLQManager(nil, nil, 5, time.Minute)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(10))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func TestReplayDedupeKeyIsUniquePerEntry(t *testing.T) {
	a := replayDedupeKey(dlqEntry{ID: 1, DedupeKey: "activity.logged:x"})
	b := replayDedupeKey(dlqEntry{ID: 2, DedupeKey: "activity.logged:x"})
	require.NotEqual(t, a, b)
	require.Equal(t, "activity.logged:x:replay:1", a)
}

func TestSchemaRegistryRegistersMissingSubject(t *testing.T) {
	var registered map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/activity_events-value/versions/latest":
			http.NotFound(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/activity_events-value/versions":
			_ = json.NewDecoder(r.Body).Decode(&registered)
			_, _ = w.Write([]byte(`{"id": 17}`))
		default:
			http.Error(w, "unexpected", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL, time.Second)
	id, err := client.EnsureSchema(context.Background(), "activity_events-value", activityLoggedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
	require.Equal(t, "JSON", registered["schemaType"])
}

func TestSchemaRegistrySurfacesServerErrors(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		http.Error(w, "registry down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL, time.Second).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "registry down")
	require.Zero(t, posts, "a failing lookup must not fall through to registration")
}

func outboxMessage(id int64, eventType, topic string) Message {
	return Message{
		EventID:       id,
		OwnerID:       "owner-1",
		EventType:     eventType,
		Topic:         topic,
		SchemaSubject: topic + "-value",
		PartitionKey:  "owner-1",
		Payload:       json.RawMessage(`{"owner_id":"owner-1"}`),
		DedupeKey:     eventType + ":k",
	}
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: append([]kafka.Message(nil), msgs...)})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	calls []string
}

func (s *stubRegistry) EnsureSchema(_ context.Context, subject string, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subject)
	return s.id, nil
}
