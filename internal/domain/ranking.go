package domain

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// LeaderboardEntry is one computed leaderboard row.
type LeaderboardEntry struct {
	Rank               int     `json:"rank"`
	OwnerID            string  `json:"owner_id"`
	DisplayName        string  `json:"display_name"`
	XP                 int64   `json:"xp"`
	Level              int     `json:"level"`
	Streak             int     `json:"streak"`
	LifetimeEmissionKg float64 `json:"lifetime_emission_kg"`
	Score              int64   `json:"score"`
}

// LeaderboardCache stores leaderboard snapshots keyed by limit.
type LeaderboardCache interface {
	Get(ctx context.Context, limit int) ([]LeaderboardEntry, bool, error)
	Set(ctx context.Context, limit int, entries []LeaderboardEntry) error
}

// LeaderboardLess orders profiles by XP, then streak, then lifetime emission,
// all descending. Owner ID breaks remaining ties so a query is stable.
func LeaderboardLess(a, b Profile) bool {
	pa, pb := a.Progression, b.Progression
	if pa.XP != pb.XP {
		return pa.XP > pb.XP
	}
	if pa.CurrentStreak != pb.CurrentStreak {
		return pa.CurrentStreak > pb.CurrentStreak
	}
	if pa.LifetimeEmissionKg != pb.LifetimeEmissionKg {
		return pa.LifetimeEmissionKg > pb.LifetimeEmissionKg
	}
	return a.OwnerID < b.OwnerID
}

// Leaderboard returns the top owners. Limits outside 1..100 are clamped.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	if s.cache != nil {
		entries, ok, err := s.cache.Get(ctx, limit)
		if err != nil {
			s.logger.Warn("leaderboard cache read failed", zap.Error(err))
		} else if ok {
			return entries, nil
		}
	}

	profiles, err := s.repo.TopProfiles(ctx, limit)
	if err != nil {
		return nil, persistenceError("top profiles", err)
	}
	entries := make([]LeaderboardEntry, 0, len(profiles))
	for i, p := range profiles {
		entries = append(entries, LeaderboardEntry{
			Rank:               i + 1,
			OwnerID:            p.OwnerID,
			DisplayName:        p.DisplayName,
			XP:                 p.Progression.XP,
			Level:              p.Progression.Level(),
			Streak:             p.Progression.CurrentStreak,
			LifetimeEmissionKg: p.Progression.LifetimeEmissionKg,
			Score:              p.Progression.XP,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, limit, entries); err != nil {
			s.logger.Warn("leaderboard cache write failed", zap.Error(err))
		}
	}
	return entries, nil
}

// RankResult is an owner's position within a scope.
type RankResult struct {
	Scope RankScope `json:"scope"`
	Value string    `json:"value,omitempty"`
	Rank  int       `json:"rank"`
	XP    int64     `json:"xp"`
}

// RankOf returns one plus the number of owners in scope with strictly more
// XP. Owners sharing an XP value share a rank. A scoped rank is unavailable
// when the owner has no value for the scope attribute.
func (s *Service) RankOf(ctx context.Context, ownerID string, scope RankScope) (RankResult, error) {
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return RankResult{}, err
	}
	profile, err := s.Profile(ctx, ownerID)
	if err != nil {
		return RankResult{}, err
	}

	var value string
	switch scope {
	case "", ScopeGlobal:
		scope = ScopeGlobal
	case ScopeState:
		value = strings.TrimSpace(profile.State)
	case ScopeCity:
		value = strings.TrimSpace(profile.City)
	default:
		return RankResult{}, invalid("scope", "unknown scope "+`"`+string(scope)+`"`)
	}
	if scope != ScopeGlobal && value == "" {
		return RankResult{}, ErrRankUnavailable
	}

	above, err := s.repo.CountXPAbove(ctx, profile.Progression.XP, scope, value)
	if err != nil {
		return RankResult{}, persistenceError("count rank", err)
	}
	return RankResult{Scope: scope, Value: value, Rank: above + 1, XP: profile.Progression.XP}, nil
}

// GlobalImpact summarises lifetime emissions across all owners.
type GlobalImpact struct {
	Participants    int     `json:"participants"`
	TotalEmissionKg float64 `json:"total_emission_kg"`
	AvgEmissionKg   float64 `json:"avg_emission_kg"`
}

// GlobalImpact returns the population-wide emission summary.
func (s *Service) GlobalImpact(ctx context.Context) (GlobalImpact, error) {
	totals, err := s.repo.ImpactTotals(ctx)
	if err != nil {
		return GlobalImpact{}, persistenceError("impact totals", err)
	}
	impact := GlobalImpact{Participants: totals.Participants, TotalEmissionKg: totals.TotalEmissionKg}
	if totals.Participants > 0 {
		impact.AvgEmissionKg = totals.TotalEmissionKg / float64(totals.Participants)
	}
	return impact, nil
}
