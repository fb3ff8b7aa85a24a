package domain

import (
	"context"
	"time"
)

// Profile holds an owner's identity attributes and progression state.
type Profile struct {
	OwnerID        string
	DisplayName    string
	State          string
	City           string
	CarbonBudgetKg float64
	JoinedAt       time.Time
	Progression    Progression
}

// Progression is the derived gamification and emission rollup for one owner.
// XP, EcoCoins and LifetimeEmissionKg never decrease.
type Progression struct {
	XP                 int64
	EcoCoins           int64
	CurrentStreak      int
	LastActivityDate   time.Time // civil date at UTC midnight; zero means unset
	LifetimeEmissionKg float64
	AvgDailyEmissionKg float64
	Version            int64
	UpdatedAt          time.Time
}

// LevelForXP derives a level from experience points.
func LevelForXP(xp int64) int {
	if xp < 0 {
		xp = 0
	}
	return int(xp/100) + 1
}

// Level derives the level from XP.
func (p Progression) Level() int {
	return LevelForXP(p.XP)
}

// RankScope restricts the population used for rank counting.
type RankScope string

const (
	ScopeGlobal RankScope = "global"
	ScopeState  RankScope = "state"
	ScopeCity   RankScope = "city"
)

// ParseRankScope normalises raw input into a RankScope. Empty means global.
func ParseRankScope(raw string) (RankScope, error) {
	switch RankScope(normalizeToken(raw)) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeState:
		return ScopeState, nil
	case ScopeCity:
		return ScopeCity, nil
	default:
		return "", invalid("scope", "unknown scope "+`"`+raw+`"`)
	}
}

// ImpactTotals summarises lifetime emissions across all owners.
type ImpactTotals struct {
	Participants    int
	TotalEmissionKg float64
}

// Event is a domain event recorded alongside the state change that produced it.
// Key is unique per event and lets consumers drop redeliveries.
type Event struct {
	Type        string
	Key         string
	OwnerID     string
	AggregateID string
	Payload     any
}

const (
	EventActivityLogged    = "activity.logged"
	EventProgressionSynced = "progression.synced"
)

// Repository is the storage contract for activities and progression state.
type Repository interface {
	// WithOwner runs fn inside a unit of work holding the owner's exclusive
	// lock. The unit commits only when fn returns nil. It returns
	// ErrOwnerUnresolved when the owner has no profile.
	WithOwner(ctx context.Context, ownerID string, fn func(OwnerTx) error) error
	UpsertProfile(ctx context.Context, profile Profile) (Profile, error)
	GetProfile(ctx context.Context, ownerID string) (*Profile, error)
	ListActivities(ctx context.Context, ownerID string, filter ActivityFilter) ([]Activity, *Cursor, error)
	// TopProfiles returns profiles in leaderboard order.
	TopProfiles(ctx context.Context, limit int) ([]Profile, error)
	// CountXPAbove counts profiles with strictly more XP, restricted to those
	// whose scope attribute matches value case-insensitively.
	CountXPAbove(ctx context.Context, xp int64, scope RankScope, value string) (int, error)
	ImpactTotals(ctx context.Context) (ImpactTotals, error)
}

// OwnerTx exposes the operations available inside an owner unit of work.
type OwnerTx interface {
	Profile() Profile
	FindByIdempotency(ctx context.Context, key string) (*Activity, error)
	InsertActivity(ctx context.Context, activity Activity, idempotencyKey string) error
	GetActivity(ctx context.Context, id string) (*Activity, error)
	DeleteActivity(ctx context.Context, id string) error
	// PendingActivities returns the owner's pending activities ordered by
	// occurred_at ascending.
	PendingActivities(ctx context.Context) ([]Activity, error)
	// MarkProcessed transitions a pending activity to processed. It fails if
	// the activity is no longer pending.
	MarkProcessed(ctx context.Context, id string, footprintKg float64, source EstimateSource, at time.Time) error
	SaveProgression(ctx context.Context, progression Progression) error
	Publish(ctx context.Context, event Event) error
}
