package domain

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"example.com/ecoprogress/internal/events"
	"example.com/ecoprogress/internal/observability"
)

const (
	// DefaultCarbonBudgetKg is the monthly budget applied when an owner has none.
	DefaultCarbonBudgetKg = 500.0
	// DefaultTrendMonths is the dashboard trend length.
	DefaultTrendMonths = 6

	defaultListLimit = 50
	maxListLimit     = 200
	maxFutureSkew    = 24 * time.Hour
)

// SourceSupplied marks a footprint provided by an ingestion producer.
const SourceSupplied EstimateSource = "supplied"

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLocation sets the location that defines calendar days for streaks and
// reporting windows.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEstimator replaces the static-only estimator.
func WithEstimator(estimator *Estimator) Option {
	return func(s *Service) {
		if estimator != nil {
			s.estimator = estimator
		}
	}
}

// WithLeaderboardCache installs a leaderboard snapshot cache.
func WithLeaderboardCache(cache LeaderboardCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithDefaultBudget overrides DefaultCarbonBudgetKg.
func WithDefaultBudget(kg float64) Option {
	return func(s *Service) {
		if kg > 0 {
			s.defaultBudget = kg
		}
	}
}

// WithTrendMonths overrides DefaultTrendMonths for the dashboard.
func WithTrendMonths(months int) Option {
	return func(s *Service) {
		if months > 0 {
			s.trendMonths = months
		}
	}
}

// Service implements activity logging, progression, ranking and reporting.
type Service struct {
	repo          Repository
	estimator     *Estimator
	cache         LeaderboardCache
	logger        *zap.Logger
	loc           *time.Location
	now           func() time.Time
	defaultBudget float64
	trendMonths   int
	syncs         singleflight.Group
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		estimator:     NewEstimator(),
		logger:        zap.NewNop(),
		loc:           time.Local,
		now:           time.Now,
		defaultBudget: DefaultCarbonBudgetKg,
		trendMonths:   DefaultTrendMonths,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterOwnerInput carries identity attributes for an owner profile.
type RegisterOwnerInput struct {
	OwnerID        string
	DisplayName    string
	State          string
	City           string
	CarbonBudgetKg *float64
}

// RegisterOwner creates or updates an owner's identity attributes. The
// progression aggregate is never touched.
func (s *Service) RegisterOwner(ctx context.Context, in RegisterOwnerInput) (Profile, error) {
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return Profile{}, invalid("owner_id", "owner identity is required")
	}

	existing, err := s.repo.GetProfile(ctx, ownerID)
	if err != nil {
		return Profile{}, persistenceError("get profile", err)
	}

	profile := Profile{
		OwnerID:     ownerID,
		DisplayName: strings.TrimSpace(in.DisplayName),
		State:       strings.TrimSpace(in.State),
		City:        strings.TrimSpace(in.City),
		JoinedAt:    s.now().UTC(),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = ownerID
	}
	if existing != nil {
		profile.CarbonBudgetKg = existing.CarbonBudgetKg
		profile.JoinedAt = existing.JoinedAt
	}
	if in.CarbonBudgetKg != nil {
		if err := positive("carbon_budget_kg", *in.CarbonBudgetKg); err != nil {
			return Profile{}, err
		}
		profile.CarbonBudgetKg = *in.CarbonBudgetKg
	}

	saved, err := s.repo.UpsertProfile(ctx, profile)
	if err != nil {
		return Profile{}, persistenceError("upsert profile", err)
	}
	return saved, nil
}

// Profile returns the owner's profile without syncing.
func (s *Service) Profile(ctx context.Context, ownerID string) (Profile, error) {
	profile, err := s.repo.GetProfile(ctx, ownerID)
	if err != nil {
		return Profile{}, persistenceError("get profile", err)
	}
	if profile == nil {
		return Profile{}, ErrOwnerUnresolved
	}
	return *profile, nil
}

// LogActivityInput is a request to append an activity.
type LogActivityInput struct {
	OwnerID    string
	Details    Details
	OccurredAt time.Time
	State      ProcessingState
	// FootprintKg is set only by ingestion paths that estimated upstream.
	FootprintKg    *float64
	IdempotencyKey string
}

// LogActivity validates, estimates and stores an activity. Manual and iot
// activities are folded into the progression in the same unit of work, after
// any pending activities. The boolean reports an idempotent replay.
func (s *Service) LogActivity(ctx context.Context, in LogActivityInput) (*Activity, bool, error) {
	activity, err := s.draft(in)
	if err != nil {
		return nil, false, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	if key != "" {
		existing, err := s.findReplay(ctx, activity.OwnerID, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	switch {
	case in.FootprintKg != nil:
		activity.FootprintKg = *in.FootprintKg
		activity.FootprintSource = SourceSupplied
	default:
		activity.FootprintKg, activity.FootprintSource = s.estimator.Estimate(ctx, activity.Category, activity.Subtype, activity.Quantity)
	}

	var (
		replayed *Activity
		result   SyncResult
	)
	err = s.repo.WithOwner(ctx, activity.OwnerID, func(tx OwnerTx) error {
		if key != "" {
			existing, err := tx.FindByIdempotency(ctx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
		}

		now := s.now().UTC()
		prog := tx.Profile().Progression
		if activity.State != StatePending {
			drained, err := s.drainPending(ctx, tx, &prog, now)
			if err != nil {
				return err
			}
			result = drained
		}

		if err := tx.InsertActivity(ctx, activity, key); err != nil {
			return err
		}
		if err := tx.Publish(ctx, Event{
			Type:        EventActivityLogged,
			Key:         activity.ID,
			OwnerID:     activity.OwnerID,
			AggregateID: activity.ID,
			Payload:     activityLoggedPayload(activity),
		}); err != nil {
			return err
		}

		if activity.State == StatePending {
			return nil
		}
		s.fold(&prog, activity.OccurredAt, activity.FootprintKg)
		result.XPGained += XPPerActivity
		result.CoinsGained += CoinsPerActivity
		result.EmissionAddedKg += activity.FootprintKg
		return s.commitProgression(ctx, tx, prog, result, now)
	})
	if err != nil {
		return nil, false, persistenceError("log activity", err)
	}
	if replayed != nil {
		return replayed, true, nil
	}

	observability.RecordActivityPersisted(activity.CreatedAt)
	s.logger.Debug("activity logged",
		zap.String("owner_id", activity.OwnerID),
		zap.String("activity_id", activity.ID),
		zap.String("category", string(activity.Category)),
		zap.String("state", string(activity.State)),
		zap.String("footprint_source", string(activity.FootprintSource)),
	)
	if result.Processed > 0 {
		s.logger.Info("pending activities folded on write",
			zap.String("owner_id", activity.OwnerID),
			zap.Int("processed", result.Processed),
		)
	}
	return &activity, false, nil
}

func (s *Service) draft(in LogActivityInput) (Activity, error) {
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return Activity{}, ErrOwnerUnresolved
	}
	if in.Details == nil {
		return Activity{}, invalid("details", "category-specific fields are required")
	}
	subtype, quantity, unit, err := in.Details.Normalize()
	if err != nil {
		return Activity{}, err
	}

	state := in.State
	if state == "" {
		state = StateManual
	}
	switch state {
	case StateManual, StateIoT, StatePending:
	default:
		return Activity{}, invalid("state", "state must be manual, iot or pending")
	}

	if in.FootprintKg != nil {
		v := *in.FootprintKg
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return Activity{}, invalid("footprint_kg", "must be a finite non-negative number")
		}
	}

	now := s.now().UTC()
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if occurredAt.After(now.Add(maxFutureSkew)) {
		return Activity{}, invalid("occurred_at", "must not be in the future")
	}

	return Activity{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Category:   in.Details.Category(),
		Subtype:    subtype,
		Quantity:   quantity,
		Unit:       unit,
		OccurredAt: occurredAt.UTC(),
		State:      state,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Service) findReplay(ctx context.Context, ownerID, key string) (*Activity, error) {
	var existing *Activity
	err := s.repo.WithOwner(ctx, ownerID, func(tx OwnerTx) error {
		found, err := tx.FindByIdempotency(ctx, key)
		existing = found
		return err
	})
	if err != nil {
		return nil, persistenceError("find idempotency", err)
	}
	return existing, nil
}

func activityLoggedPayload(a Activity) events.ActivityLogged {
	return events.ActivityLogged{
		ActivityID:      a.ID,
		OwnerID:         a.OwnerID,
		Category:        string(a.Category),
		Subtype:         a.Subtype,
		Quantity:        a.Quantity,
		Unit:            a.Unit,
		FootprintKg:     a.FootprintKg,
		FootprintSource: string(a.FootprintSource),
		OccurredAt:      a.OccurredAt,
		State:           string(a.State),
	}
}

// RemoveActivity deletes an activity owned by ownerID. The progression
// aggregate keeps the activity's contribution.
func (s *Service) RemoveActivity(ctx context.Context, ownerID, activityID string) error {
	if strings.TrimSpace(activityID) == "" {
		return ErrActivityNotFound
	}
	err := s.repo.WithOwner(ctx, ownerID, func(tx OwnerTx) error {
		activity, err := tx.GetActivity(ctx, activityID)
		if err != nil {
			return err
		}
		if activity == nil {
			return ErrActivityNotFound
		}
		if activity.OwnerID != ownerID {
			return ErrForbidden
		}
		return tx.DeleteActivity(ctx, activityID)
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			s.logger.Warn("cross-owner delete rejected",
				zap.String("owner_id", ownerID),
				zap.String("activity_id", activityID),
			)
		}
		return persistenceError("remove activity", err)
	}
	return nil
}

// ListActivities returns one page of an owner's activities, most recent first
// unless the filter asks for chronological order.
func (s *Service) ListActivities(ctx context.Context, ownerID string, filter ActivityFilter) ([]Activity, *Cursor, error) {
	if _, err := s.Profile(ctx, ownerID); err != nil {
		return nil, nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, nil, invalid("to", "must be after from")
	}
	items, next, err := s.repo.ListActivities(ctx, ownerID, filter)
	if err != nil {
		return nil, nil, persistenceError("list activities", err)
	}
	return items, next, nil
}
