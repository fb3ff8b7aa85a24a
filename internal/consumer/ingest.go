package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/events"
)

// ErrRejected marks payloads that can never be stored; redelivery will not help.
var ErrRejected = errors.New("ingest payload rejected")

// ActivityLogger is the slice of domain.Service the ingest path needs.
type ActivityLogger interface {
	LogActivity(ctx context.Context, in domain.LogActivityInput) (*domain.Activity, bool, error)
}

// IngestHandler stores externally produced activities as pending, to be
// folded by the next sync of their owner.
type IngestHandler struct {
	activities ActivityLogger
	logger     *zap.Logger
}

// NewIngestHandler constructs an IngestHandler.
func NewIngestHandler(activities ActivityLogger, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{activities: activities, logger: logger.Named("ingest")}
}

// Handle implements Handler. Rejected payloads are logged and acknowledged;
// only retryable failures are returned.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != DefaultEventType {
		h.logger.Debug("skipping foreign event", zap.String("event_type", msg.EventType), zap.String("source", msg.SourceKey()))
		return nil
	}
	err := h.Ingest(ctx, msg.Payload, msg.SourceKey())
	if errors.Is(err, ErrRejected) {
		return nil
	}
	return err
}

// Ingest decodes one events.ActivityIngested payload and logs it as pending.
// The event id, or sourceKey when absent, is the idempotency key so a
// redelivered payload is stored once. Errors wrapping ErrRejected are permanent.
func (h *IngestHandler) Ingest(ctx context.Context, payload []byte, sourceKey string) error {
	var event events.ActivityIngested
	if err := json.Unmarshal(payload, &event); err != nil {
		return h.reject(sourceKey, "", fmt.Errorf("decode payload: %w", err))
	}

	in, err := toLogInput(event, sourceKey)
	if err != nil {
		return h.reject(sourceKey, event.OwnerID, err)
	}

	activity, replay, err := h.activities.LogActivity(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrOwnerUnresolved):
		return h.reject(sourceKey, event.OwnerID, err)
	default:
		recordIngest("failed")
		return err
	}

	if replay {
		recordIngest("replayed")
		h.logger.Debug("replayed ingest", zap.String("owner_id", in.OwnerID), zap.String("activity_id", activity.ID))
		return nil
	}
	recordIngest("logged")
	h.logger.Info("ingested activity",
		zap.String("owner_id", in.OwnerID),
		zap.String("activity_id", activity.ID),
		zap.String("category", string(activity.Category)),
		zap.String("source", sourceKey))
	return nil
}

func (h *IngestHandler) reject(sourceKey, ownerID string, cause error) error {
	recordIngest("rejected")
	h.logger.Warn("rejected ingest payload", zap.String("source", sourceKey), zap.String("owner_id", ownerID), zap.Error(cause))
	return fmt.Errorf("%w: %w", ErrRejected, cause)
}

func toLogInput(event events.ActivityIngested, sourceKey string) (domain.LogActivityInput, error) {
	category, err := domain.ParseCategory(event.Category)
	if err != nil {
		return domain.LogActivityInput{}, err
	}
	details, err := domain.NewDetails(category, event.Subtype, event.Quantity, event.Unit)
	if err != nil {
		return domain.LogActivityInput{}, err
	}

	key := strings.TrimSpace(event.EventID)
	if key == "" {
		key = sourceKey
	}
	in := domain.LogActivityInput{
		OwnerID:        event.OwnerID,
		Details:        details,
		State:          domain.StatePending,
		FootprintKg:    event.FootprintKg,
		IdempotencyKey: key,
	}
	if event.OccurredAt != nil {
		in.OccurredAt = *event.OccurredAt
	}
	return in, nil
}
