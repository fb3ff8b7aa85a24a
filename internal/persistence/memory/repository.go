// Package memory provides an in-process repository for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/ecoprogress/internal/domain"
)

var _ domain.Repository = (*Repository)(nil)

// Repository stores profiles, activities and events in memory. Each owner unit
// of work holds a per-owner mutex and stages its writes; staged writes are
// applied only when the unit commits.
type Repository struct {
	mu          sync.RWMutex
	profiles    map[string]domain.Profile
	activities  map[string]domain.Activity
	idempotency map[string]string
	events      []domain.Event
	ownerLocks  map[string]*sync.Mutex
	commitErr   error
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		profiles:    make(map[string]domain.Profile),
		activities:  make(map[string]domain.Activity),
		idempotency: make(map[string]string),
		ownerLocks:  make(map[string]*sync.Mutex),
	}
}

// Seed stores profiles as given, progression included.
func (r *Repository) Seed(profiles ...domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		r.profiles[p.OwnerID] = p
	}
}

// InjectCommitFailure makes the next owner unit of work fail at commit with err.
func (r *Repository) InjectCommitFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitErr = err
}

// Events returns the events committed so far.
func (r *Repository) Events() []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *Repository) ownerLock(ownerID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.ownerLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		r.ownerLocks[ownerID] = lock
	}
	return lock
}

// WithOwner implements domain.Repository.
func (r *Repository) WithOwner(ctx context.Context, ownerID string, fn func(domain.OwnerTx) error) error {
	lock := r.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	profile, ok := r.profiles[ownerID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrOwnerUnresolved
	}

	tx := &ownerTx{
		repo:      r,
		profile:   profile,
		inserted:  make(map[string]domain.Activity),
		keys:      make(map[string]string),
		processed: make(map[string]domain.Activity),
		deleted:   make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *Repository) commit(tx *ownerTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commitErr != nil {
		err := r.commitErr
		r.commitErr = nil
		return err
	}

	for id, a := range tx.inserted {
		r.activities[id] = a
	}
	for key, id := range tx.keys {
		r.idempotency[key] = id
	}
	for id, a := range tx.processed {
		if _, ok := r.activities[id]; ok {
			r.activities[id] = a
		}
	}
	for id := range tx.deleted {
		a, ok := r.activities[id]
		if !ok {
			continue
		}
		delete(r.activities, id)
		for key, ref := range r.idempotency {
			if ref == id && strings.HasPrefix(key, a.OwnerID+"|") {
				delete(r.idempotency, key)
			}
		}
	}
	if tx.progression != nil {
		current := r.profiles[tx.profile.OwnerID]
		current.Progression = *tx.progression
		r.profiles[tx.profile.OwnerID] = current
	}
	r.events = append(r.events, tx.events...)
	return nil
}

// UpsertProfile implements domain.Repository. Existing progression and join
// time are preserved.
func (r *Repository) UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.profiles[profile.OwnerID]; ok {
		profile.JoinedAt = existing.JoinedAt
		profile.Progression = existing.Progression
	} else {
		profile.Progression = domain.Progression{}
		if profile.JoinedAt.IsZero() {
			profile.JoinedAt = time.Now().UTC()
		}
	}
	r.profiles[profile.OwnerID] = profile
	return profile, nil
}

// GetProfile implements domain.Repository.
func (r *Repository) GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[ownerID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

// ListActivities implements domain.Repository.
func (r *Repository) ListActivities(ctx context.Context, ownerID string, filter domain.ActivityFilter) ([]domain.Activity, *domain.Cursor, error) {
	r.mu.RLock()
	items := make([]domain.Activity, 0)
	for _, a := range r.activities {
		if a.OwnerID == ownerID && filter.Matches(a) {
			items = append(items, a)
		}
	}
	r.mu.RUnlock()

	newestFirst := filter.Order == domain.NewestFirst
	sort.Slice(items, func(i, j int) bool {
		if newestFirst {
			return after(items[i], items[j])
		}
		return after(items[j], items[i])
	})

	if c := filter.Cursor; c != nil {
		pivot := domain.Activity{OccurredAt: c.OccurredAt, ID: c.ID}
		start := len(items)
		for i, a := range items {
			if (newestFirst && after(pivot, a)) || (!newestFirst && after(a, pivot)) {
				start = i
				break
			}
		}
		items = items[start:]
	}

	if filter.Limit <= 0 || len(items) < filter.Limit {
		return items, nil, nil
	}
	items = items[:filter.Limit]
	last := items[len(items)-1]
	return items, &domain.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}, nil
}

// after orders by (occurred_at, id).
func after(a, b domain.Activity) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return a.ID > b.ID
}

// TopProfiles implements domain.Repository.
func (r *Repository) TopProfiles(ctx context.Context, limit int) ([]domain.Profile, error) {
	r.mu.RLock()
	profiles := make([]domain.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	r.mu.RUnlock()

	sort.Slice(profiles, func(i, j int) bool {
		return domain.LeaderboardLess(profiles[i], profiles[j])
	})
	if limit > 0 && len(profiles) > limit {
		profiles = profiles[:limit]
	}
	return profiles, nil
}

// CountXPAbove implements domain.Repository.
func (r *Repository) CountXPAbove(ctx context.Context, xp int64, scope domain.RankScope, value string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := strings.ToLower(strings.TrimSpace(value))
	count := 0
	for _, p := range r.profiles {
		if p.Progression.XP <= xp {
			continue
		}
		switch scope {
		case domain.ScopeState:
			if strings.ToLower(strings.TrimSpace(p.State)) != want {
				continue
			}
		case domain.ScopeCity:
			if strings.ToLower(strings.TrimSpace(p.City)) != want {
				continue
			}
		}
		count++
	}
	return count, nil
}

// ImpactTotals implements domain.Repository.
func (r *Repository) ImpactTotals(ctx context.Context) (domain.ImpactTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var totals domain.ImpactTotals
	for _, p := range r.profiles {
		totals.Participants++
		totals.TotalEmissionKg += p.Progression.LifetimeEmissionKg
	}
	return totals, nil
}

type ownerTx struct {
	repo        *Repository
	profile     domain.Profile
	inserted    map[string]domain.Activity
	keys        map[string]string
	processed   map[string]domain.Activity
	deleted     map[string]struct{}
	progression *domain.Progression
	events      []domain.Event
}

func (t *ownerTx) Profile() domain.Profile {
	return t.profile
}

func idempotencyKey(ownerID, key string) string {
	return ownerID + "|" + key
}

func (t *ownerTx) FindByIdempotency(ctx context.Context, key string) (*domain.Activity, error) {
	if key == "" {
		return nil, nil
	}
	k := idempotencyKey(t.profile.OwnerID, key)
	if id, ok := t.keys[k]; ok {
		a := t.inserted[id]
		return &a, nil
	}
	t.repo.mu.RLock()
	id, ok := t.repo.idempotency[k]
	t.repo.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return t.GetActivity(ctx, id)
}

func (t *ownerTx) InsertActivity(ctx context.Context, activity domain.Activity, key string) error {
	if activity.OwnerID != t.profile.OwnerID {
		return fmt.Errorf("activity owner %q does not match unit of work owner %q", activity.OwnerID, t.profile.OwnerID)
	}
	if existing, _ := t.GetActivity(ctx, activity.ID); existing != nil {
		return fmt.Errorf("activity %s already exists", activity.ID)
	}
	if key != "" {
		if existing, _ := t.FindByIdempotency(ctx, key); existing != nil {
			return fmt.Errorf("idempotency key %q already used", key)
		}
		t.keys[idempotencyKey(t.profile.OwnerID, key)] = activity.ID
	}
	t.inserted[activity.ID] = activity
	return nil
}

// GetActivity looks an activity up by id regardless of owner.
func (t *ownerTx) GetActivity(ctx context.Context, id string) (*domain.Activity, error) {
	if _, gone := t.deleted[id]; gone {
		return nil, nil
	}
	if a, ok := t.processed[id]; ok {
		return &a, nil
	}
	if a, ok := t.inserted[id]; ok {
		return &a, nil
	}
	t.repo.mu.RLock()
	a, ok := t.repo.activities[id]
	t.repo.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (t *ownerTx) DeleteActivity(ctx context.Context, id string) error {
	if _, ok := t.inserted[id]; ok {
		delete(t.inserted, id)
		for k, ref := range t.keys {
			if ref == id {
				delete(t.keys, k)
			}
		}
		return nil
	}
	t.deleted[id] = struct{}{}
	delete(t.processed, id)
	return nil
}

func (t *ownerTx) PendingActivities(ctx context.Context) ([]domain.Activity, error) {
	ownerID := t.profile.OwnerID
	var pending []domain.Activity

	t.repo.mu.RLock()
	for id, a := range t.repo.activities {
		if a.OwnerID != ownerID {
			continue
		}
		if _, gone := t.deleted[id]; gone {
			continue
		}
		if staged, ok := t.processed[id]; ok {
			a = staged
		}
		if a.State == domain.StatePending {
			pending = append(pending, a)
		}
	}
	t.repo.mu.RUnlock()

	for _, a := range t.inserted {
		if a.State == domain.StatePending {
			pending = append(pending, a)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return after(pending[j], pending[i])
	})
	return pending, nil
}

func (t *ownerTx) MarkProcessed(ctx context.Context, id string, footprintKg float64, source domain.EstimateSource, at time.Time) error {
	a, err := t.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	if a == nil || a.OwnerID != t.profile.OwnerID || a.State != domain.StatePending {
		return fmt.Errorf("activity %s is not pending", id)
	}
	a.State = domain.StateProcessed
	a.FootprintKg = footprintKg
	a.FootprintSource = source
	a.UpdatedAt = at
	if _, ok := t.inserted[id]; ok {
		t.inserted[id] = *a
		return nil
	}
	t.processed[id] = *a
	return nil
}

func (t *ownerTx) SaveProgression(ctx context.Context, progression domain.Progression) error {
	current := t.profile.Progression
	if progression.XP < current.XP || progression.EcoCoins < current.EcoCoins || progression.LifetimeEmissionKg < current.LifetimeEmissionKg {
		return fmt.Errorf("progression for %s would decrease", t.profile.OwnerID)
	}
	p := progression
	t.progression = &p
	return nil
}

func (t *ownerTx) Publish(ctx context.Context, event domain.Event) error {
	t.events = append(t.events, event)
	return nil
}
