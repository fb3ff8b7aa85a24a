package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/ecoprogress/internal/domain"
)

var _ domain.Repository = (*Repository)(nil)

// Repository provides Postgres-backed persistence for profiles, activities and
// outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `owner_id, display_name, state, city, carbon_budget_kg, joined_at, xp, eco_coins, current_streak, last_activity_date, lifetime_emission_kg, avg_daily_emission_kg, version, updated_at`

const activityColumns = `activity_id, owner_id, category, subtype, quantity, unit, footprint_kg, footprint_source, occurred_at, processing_state, created_at, updated_at`

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var (
		p    domain.Profile
		last *time.Time
	)
	err := row.Scan(&p.OwnerID, &p.DisplayName, &p.State, &p.City, &p.CarbonBudgetKg, &p.JoinedAt,
		&p.Progression.XP, &p.Progression.EcoCoins, &p.Progression.CurrentStreak, &last,
		&p.Progression.LifetimeEmissionKg, &p.Progression.AvgDailyEmissionKg, &p.Progression.Version, &p.Progression.UpdatedAt)
	if err != nil {
		return domain.Profile{}, err
	}
	if last != nil {
		y, m, d := last.Date()
		p.Progression.LastActivityDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return p, nil
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(&a.ID, &a.OwnerID, &a.Category, &a.Subtype, &a.Quantity, &a.Unit, &a.FootprintKg,
		&a.FootprintSource, &a.OccurredAt, &a.State, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// WithOwner locks the owner's profile row for the duration of fn and commits
// only when fn succeeds.
func (r *Repository) WithOwner(ctx context.Context, ownerID string, fn func(domain.OwnerTx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	profile, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE owner_id=$1 FOR UPDATE`, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = domain.ErrOwnerUnresolved
		}
		return err
	}

	if err = fn(&ownerTx{tx: tx, profile: profile}); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

// UpsertProfile inserts a profile or updates its identity attributes. Join
// time and progression columns are never overwritten.
func (r *Repository) UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	const stmt = `INSERT INTO profiles (owner_id, display_name, state, city, carbon_budget_kg, joined_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (owner_id) DO UPDATE SET
            display_name = EXCLUDED.display_name,
            state = EXCLUDED.state,
            city = EXCLUDED.city,
            carbon_budget_kg = EXCLUDED.carbon_budget_kg
        RETURNING ` + profileColumns

	joined := profile.JoinedAt
	if joined.IsZero() {
		joined = time.Now().UTC()
	}
	return scanProfile(r.pool.QueryRow(ctx, stmt,
		profile.OwnerID,
		profile.DisplayName,
		profile.State,
		profile.City,
		profile.CarbonBudgetKg,
		joined,
	))
}

// GetProfile returns nil when the owner has no profile.
func (r *Repository) GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE owner_id=$1`, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// ListActivities returns the owner's activities matching filter.
func (r *Repository) ListActivities(ctx context.Context, ownerID string, filter domain.ActivityFilter) ([]domain.Activity, *domain.Cursor, error) {
	args := []interface{}{ownerID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + activityColumns + ` FROM activities WHERE owner_id=$1`)
	if !filter.From.IsZero() {
		b.WriteString(` AND occurred_at >= ` + arg(filter.From))
	}
	if !filter.To.IsZero() {
		b.WriteString(` AND occurred_at < ` + arg(filter.To))
	}
	if filter.Category != "" {
		b.WriteString(` AND category = ` + arg(string(filter.Category)))
	}

	direction, cmp := "DESC", "<"
	if filter.Order == domain.Chronological {
		direction, cmp = "ASC", ">"
	}
	if c := filter.Cursor; c != nil {
		if _, err := uuid.Parse(c.ID); err != nil {
			return nil, nil, &domain.ValidationError{Field: "cursor", Reason: "malformed cursor"}
		}
		fmt.Fprintf(&b, ` AND (occurred_at, activity_id) %s (%s, %s)`, cmp, arg(c.OccurredAt), arg(c.ID))
	}
	fmt.Fprintf(&b, ` ORDER BY occurred_at %s, activity_id %s`, direction, direction)
	if filter.Limit > 0 {
		b.WriteString(` LIMIT ` + arg(filter.Limit))
	}

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if filter.Limit > 0 && len(results) == filter.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
	return results, next, nil
}

// TopProfiles returns profiles in leaderboard order.
func (r *Repository) TopProfiles(ctx context.Context, limit int) ([]domain.Profile, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles
        ORDER BY xp DESC, current_streak DESC, lifetime_emission_kg DESC, owner_id ASC
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]domain.Profile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CountXPAbove counts profiles in scope with strictly greater XP.
func (r *Repository) CountXPAbove(ctx context.Context, xp int64, scope domain.RankScope, value string) (int, error) {
	query := `SELECT COUNT(*) FROM profiles WHERE xp > $1`
	args := []interface{}{xp}
	switch scope {
	case domain.ScopeState:
		query += ` AND lower(btrim(state)) = lower(btrim($2))`
		args = append(args, value)
	case domain.ScopeCity:
		query += ` AND lower(btrim(city)) = lower(btrim($2))`
		args = append(args, value)
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ImpactTotals sums lifetime emissions across all profiles.
func (r *Repository) ImpactTotals(ctx context.Context) (domain.ImpactTotals, error) {
	var totals domain.ImpactTotals
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(lifetime_emission_kg), 0) FROM profiles`).
		Scan(&totals.Participants, &totals.TotalEmissionKg)
	return totals, err
}

type ownerTx struct {
	tx      pgx.Tx
	profile domain.Profile
}

func (t *ownerTx) Profile() domain.Profile {
	return t.profile
}

func (t *ownerTx) FindByIdempotency(ctx context.Context, key string) (*domain.Activity, error) {
	if key == "" {
		return nil, nil
	}
	return t.activity(ctx, `SELECT `+activityColumns+` FROM activities WHERE owner_id=$1 AND idempotency_key=$2`, t.profile.OwnerID, key)
}

func (t *ownerTx) InsertActivity(ctx context.Context, a domain.Activity, idempotencyKey string) error {
	const stmt = `INSERT INTO activities (activity_id, owner_id, category, subtype, quantity, unit, footprint_kg, footprint_source, occurred_at, processing_state, idempotency_key, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := t.tx.Exec(ctx, stmt,
		a.ID,
		a.OwnerID,
		string(a.Category),
		a.Subtype,
		a.Quantity,
		a.Unit,
		a.FootprintKg,
		string(a.FootprintSource),
		a.OccurredAt,
		string(a.State),
		nullIfEmpty(idempotencyKey),
		a.CreatedAt,
		a.UpdatedAt,
	)
	return err
}

// GetActivity looks the activity up regardless of owner so callers can tell
// a foreign activity from a missing one.
func (t *ownerTx) GetActivity(ctx context.Context, id string) (*domain.Activity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return t.activity(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id=$1`, id)
}

func (t *ownerTx) activity(ctx context.Context, query string, args ...interface{}) (*domain.Activity, error) {
	a, err := scanActivity(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (t *ownerTx) DeleteActivity(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrActivityNotFound
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM activities WHERE activity_id=$1 AND owner_id=$2`, id, t.profile.OwnerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

func (t *ownerTx) PendingActivities(ctx context.Context) ([]domain.Activity, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+activityColumns+` FROM activities
        WHERE owner_id=$1 AND processing_state='pending'
        ORDER BY occurred_at ASC, activity_id ASC
        FOR UPDATE`, t.profile.OwnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, a)
	}
	return pending, rows.Err()
}

func (t *ownerTx) MarkProcessed(ctx context.Context, id string, footprintKg float64, source domain.EstimateSource, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE activities
        SET processing_state='processed', footprint_kg=$3, footprint_source=$4, updated_at=$5
        WHERE activity_id=$1 AND owner_id=$2 AND processing_state='pending'`,
		id, t.profile.OwnerID, footprintKg, string(source), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("activity %s is not pending", id)
	}
	return nil
}

// SaveProgression writes the aggregate, guarded by its previous version.
func (t *ownerTx) SaveProgression(ctx context.Context, p domain.Progression) error {
	var last interface{}
	if !p.LastActivityDate.IsZero() {
		last = p.LastActivityDate
	}
	tag, err := t.tx.Exec(ctx, `UPDATE profiles SET
            xp=$2, eco_coins=$3, current_streak=$4, last_activity_date=$5,
            lifetime_emission_kg=$6, avg_daily_emission_kg=$7, version=$8, updated_at=$9
        WHERE owner_id=$1 AND version=$10 AND xp <= $2 AND eco_coins <= $3 AND lifetime_emission_kg <= $6`,
		t.profile.OwnerID,
		p.XP,
		p.EcoCoins,
		p.CurrentStreak,
		last,
		p.LifetimeEmissionKg,
		p.AvgDailyEmissionKg,
		p.Version,
		p.UpdatedAt,
		t.profile.Progression.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("progression for %s changed concurrently", t.profile.OwnerID)
	}
	return nil
}

func (t *ownerTx) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}

	const stmt = `INSERT INTO outbox (owner_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = t.tx.Exec(ctx, stmt,
		event.OwnerID,
		meta.AggregateType,
		event.AggregateID,
		event.Type,
		meta.Topic,
		meta.SchemaSubject,
		event.OwnerID,
		body,
		fmt.Sprintf("%s:%s", event.Type, event.Key),
	)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event. Events are keyed by
// owner so each owner's stream stays ordered within a partition.
type EventMetadata struct {
	AggregateType string
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	domain.EventActivityLogged: {
		AggregateType: "activity",
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
	},
	domain.EventProgressionSynced: {
		AggregateType: "progression",
		Topic:         "progression_events",
		SchemaSubject: "progression_events-value",
	},
}
