package domain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ecoprogress/internal/domain"
)

func seeded(ownerID, state, city string, xp int64, streak int, lifetime float64) domain.Profile {
	return domain.Profile{
		OwnerID:     ownerID,
		DisplayName: ownerID,
		State:       state,
		City:        city,
		JoinedAt:    testNow.AddDate(0, -1, 0),
		Progression: domain.Progression{XP: xp, CurrentStreak: streak, LifetimeEmissionKg: lifetime},
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	svc, repo := newTestService(t)
	repo.Seed(
		seeded("A", "", "", 300, 5, 10),
		seeded("B", "", "", 300, 2, 50),
		seeded("C", "", "", 400, 0, 1),
	)

	entries, err := svc.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var order []string
	for _, e := range entries {
		order = append(order, e.OwnerID)
	}
	require.Equal(t, []string{"C", "A", "B"}, order)
	require.Equal(t, 1, entries[0].Rank)
	require.Equal(t, 5, entries[0].Level)
	require.Equal(t, int64(400), entries[0].Score)
}

func TestLeaderboardTieBreaksOnLifetimeEmission(t *testing.T) {
	svc, repo := newTestService(t)
	repo.Seed(
		seeded("low", "", "", 200, 3, 5),
		seeded("high", "", "", 200, 3, 9),
	)

	entries, err := svc.Leaderboard(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "high", entries[0].OwnerID)
	require.Equal(t, "low", entries[1].OwnerID)
}

type mapCache struct {
	entries map[int][]domain.LeaderboardEntry
	gets    int
}

func (m *mapCache) Get(_ context.Context, limit int) ([]domain.LeaderboardEntry, bool, error) {
	m.gets++
	e, ok := m.entries[limit]
	return e, ok, nil
}

func (m *mapCache) Set(_ context.Context, limit int, entries []domain.LeaderboardEntry) error {
	m.entries[limit] = entries
	return nil
}

func TestLeaderboardServesCachedSnapshot(t *testing.T) {
	cache := &mapCache{entries: map[int][]domain.LeaderboardEntry{}}
	svc, repo := newTestService(t, domain.WithLeaderboardCache(cache))
	repo.Seed(seeded("A", "", "", 100, 1, 1))

	first, err := svc.Leaderboard(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	repo.Seed(seeded("B", "", "", 900, 1, 1))
	second, err := svc.Leaderboard(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, cache.gets)
}

func TestRankOfCountsStrictlyGreaterXP(t *testing.T) {
	svc, repo := newTestService(t)
	repo.Seed(
		seeded("a", "Goa", "Panaji", 900, 1, 1),
		seeded("b", "Kerala", "Kochi", 700, 1, 1),
		seeded("c", "Goa", "Margao", 500, 1, 1),
		seeded("u", "goa ", "Panaji", 300, 1, 1),
		seeded("peer1", "Goa", "Panaji", 300, 9, 99),
		seeded("peer2", "Kerala", "Kochi", 300, 0, 0),
		seeded("low", "Goa", "Panaji", 10, 1, 1),
	)

	global, err := svc.RankOf(context.Background(), "u", domain.ScopeGlobal)
	require.NoError(t, err)
	require.Equal(t, 4, global.Rank)

	peer, err := svc.RankOf(context.Background(), "peer1", domain.ScopeGlobal)
	require.NoError(t, err)
	require.Equal(t, 4, peer.Rank)

	state, err := svc.RankOf(context.Background(), "u", domain.ScopeState)
	require.NoError(t, err)
	require.Equal(t, 3, state.Rank)

	city, err := svc.RankOf(context.Background(), "u", domain.ScopeCity)
	require.NoError(t, err)
	require.Equal(t, 2, city.Rank)
}

func TestRankOfUnavailableWithoutScopeAttribute(t *testing.T) {
	svc, repo := newTestService(t)
	repo.Seed(seeded("u", "Goa", "", 100, 1, 1))

	_, err := svc.RankOf(context.Background(), "u", domain.ScopeCity)
	require.ErrorIs(t, err, domain.ErrRankUnavailable)

	_, err = svc.RankOf(context.Background(), "ghost", domain.ScopeGlobal)
	require.ErrorIs(t, err, domain.ErrOwnerUnresolved)
}

func TestRankOfSyncsPendingFirst(t *testing.T) {
	svc, repo := newTestService(t)
	repo.Seed(seeded("rival", "", "", 10, 1, 1))
	registerOwner(t, svc, "u1")
	logPending(t, svc, "u1", testNow.Add(-time.Hour), 2)

	rank, err := svc.RankOf(context.Background(), "u1", domain.ScopeGlobal)
	require.NoError(t, err)
	require.Equal(t, 1, rank.Rank)
	require.Equal(t, int64(20), rank.XP)
}

func TestGlobalImpact(t *testing.T) {
	svc, repo := newTestService(t)

	empty, err := svc.GlobalImpact(context.Background())
	require.NoError(t, err)
	require.Zero(t, empty.Participants)
	require.Zero(t, empty.AvgEmissionKg)

	repo.Seed(seeded("a", "", "", 0, 0, 30), seeded("b", "", "", 0, 0, 10))
	impact, err := svc.GlobalImpact(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, impact.Participants)
	require.Equal(t, 40.0, impact.TotalEmissionKg)
	require.Equal(t, 20.0, impact.AvgEmissionKg)
}

func TestParseRankScope(t *testing.T) {
	scope, err := domain.ParseRankScope(" City ")
	require.NoError(t, err)
	require.Equal(t, domain.ScopeCity, scope)

	scope, err = domain.ParseRankScope("")
	require.NoError(t, err)
	require.Equal(t, domain.ScopeGlobal, scope)

	_, err = domain.ParseRankScope("planet")
	require.ErrorIs(t, err, domain.ErrValidation)
}
