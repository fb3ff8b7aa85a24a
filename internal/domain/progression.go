package domain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/ecoprogress/internal/events"
	"example.com/ecoprogress/internal/observability"
)

// Flat reward per folded activity, independent of category or magnitude.
const (
	XPPerActivity    int64 = 20
	CoinsPerActivity int64 = 5
)

// SyncResult reports what one drain added to the aggregate.
type SyncResult struct {
	Processed       int
	XPGained        int64
	CoinsGained     int64
	EmissionAddedKg float64
}

// SyncPending folds the owner's pending activities into their progression in
// chronological order and marks them processed. Concurrent calls for the same
// owner share one drain; a drain that finds nothing pending is a no-op.
func (s *Service) SyncPending(ctx context.Context, ownerID string) (SyncResult, error) {
	v, err, _ := s.syncs.Do(ownerID, func() (any, error) {
		return s.syncPending(ctx, ownerID)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

func (s *Service) syncPending(ctx context.Context, ownerID string) (SyncResult, error) {
	started := time.Now()
	var result SyncResult

	err := s.repo.WithOwner(ctx, ownerID, func(tx OwnerTx) error {
		now := s.now().UTC()
		prog := tx.Profile().Progression
		drained, err := s.drainPending(ctx, tx, &prog, now)
		if err != nil {
			return err
		}
		if drained.Processed == 0 {
			return nil
		}
		result = drained
		return s.commitProgression(ctx, tx, prog, drained, now)
	})
	if err != nil {
		result = SyncResult{}
		observability.RecordSyncBatch("error", 0, time.Since(started))
		err = persistenceError("sync pending", err)
		s.logger.Error("progression sync failed", zap.String("owner_id", ownerID), zap.Error(err))
		return result, err
	}

	if result.Processed == 0 {
		observability.RecordSyncBatch("noop", 0, time.Since(started))
		return result, nil
	}
	observability.RecordSyncBatch("ok", result.Processed, time.Since(started))
	observability.RecordActivityProcessed(s.now())
	s.logger.Info("progression synced",
		zap.String("owner_id", ownerID),
		zap.Int("processed", result.Processed),
		zap.Int64("xp_gained", result.XPGained),
		zap.Float64("emission_added_kg", result.EmissionAddedKg),
	)
	return result, nil
}

// drainPending folds pending activities into prog and marks each processed.
// Activities stored without a footprint get the static estimate since their
// subtype was never available to the model.
func (s *Service) drainPending(ctx context.Context, tx OwnerTx, prog *Progression, now time.Time) (SyncResult, error) {
	var result SyncResult
	pending, err := tx.PendingActivities(ctx)
	if err != nil {
		return result, err
	}
	for _, a := range pending {
		footprint, source := a.FootprintKg, a.FootprintSource
		if footprint == 0 {
			footprint, source = s.estimator.Static(a.Category, a.Quantity), SourceStatic
		}
		if err := tx.MarkProcessed(ctx, a.ID, footprint, source, now); err != nil {
			return SyncResult{}, err
		}
		s.fold(prog, a.OccurredAt, footprint)
		result.Processed++
		result.XPGained += XPPerActivity
		result.CoinsGained += CoinsPerActivity
		result.EmissionAddedKg += footprint
	}
	return result, nil
}

func (s *Service) fold(prog *Progression, occurredAt time.Time, footprintKg float64) {
	prog.XP += XPPerActivity
	prog.EcoCoins += CoinsPerActivity
	prog.LifetimeEmissionKg += footprintKg
	prog.CurrentStreak, prog.LastActivityDate = advanceStreak(prog.CurrentStreak, prog.LastActivityDate, civilDate(occurredAt, s.loc))
}

// commitProgression derives the averages, bumps the version and persists the
// aggregate together with its event.
func (s *Service) commitProgression(ctx context.Context, tx OwnerTx, prog Progression, result SyncResult, now time.Time) error {
	profile := tx.Profile()
	prog.AvgDailyEmissionKg = prog.LifetimeEmissionKg / float64(daysSince(profile.JoinedAt, now))
	prog.Version++
	prog.UpdatedAt = now

	if err := tx.SaveProgression(ctx, prog); err != nil {
		return err
	}
	return tx.Publish(ctx, Event{
		Type:        EventProgressionSynced,
		Key:         fmt.Sprintf("%s:%d", profile.OwnerID, prog.Version),
		OwnerID:     profile.OwnerID,
		AggregateID: profile.OwnerID,
		Payload: events.ProgressionSynced{
			OwnerID:            profile.OwnerID,
			Processed:          result.Processed,
			XP:                 prog.XP,
			Level:              prog.Level(),
			EcoCoins:           prog.EcoCoins,
			CurrentStreak:      prog.CurrentStreak,
			LifetimeEmissionKg: prog.LifetimeEmissionKg,
			Version:            prog.Version,
			SyncedAt:           now,
		},
	})
}

// daysSince counts whole days between joined and now, never less than 1.
func daysSince(joined, now time.Time) int {
	if joined.IsZero() {
		return 1
	}
	days := int(now.Sub(joined).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
