package domain

import (
	"context"
	"time"
)

const heatmapDays = 365

// GamificationStats is the owner's progression plus an activity heatmap.
// MaxStreak is the longest run of consecutive active dates in the heatmap
// window and may differ from CurrentStreak.
type GamificationStats struct {
	XP                 int64          `json:"xp"`
	Level              int            `json:"level"`
	EcoCoins           int64          `json:"eco_coins"`
	CurrentStreak      int            `json:"current_streak"`
	LifetimeEmissionKg float64        `json:"lifetime_emission_kg"`
	AvgDailyEmissionKg float64        `json:"avg_daily_emission_kg"`
	Heatmap            map[string]int `json:"heatmap"`
	MaxStreak          int            `json:"max_streak"`
}

// GamificationStats syncs pending activities and returns the owner's stats.
func (s *Service) GamificationStats(ctx context.Context, ownerID string) (GamificationStats, error) {
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return GamificationStats{}, err
	}
	profile, err := s.Profile(ctx, ownerID)
	if err != nil {
		return GamificationStats{}, err
	}

	now := s.now().In(s.loc)
	tomorrow := startOfDay(now).AddDate(0, 0, 1)
	activities, err := s.activitiesBetween(ctx, ownerID, tomorrow.AddDate(0, 0, -heatmapDays), tomorrow)
	if err != nil {
		return GamificationStats{}, err
	}

	heatmap := make(map[string]int)
	var days []time.Time
	for _, a := range activities {
		day := civilDate(a.OccurredAt, s.loc)
		label := day.Format("2006-01-02")
		if heatmap[label] == 0 {
			days = append(days, day)
		}
		heatmap[label]++
	}

	p := profile.Progression
	return GamificationStats{
		XP:                 p.XP,
		Level:              p.Level(),
		EcoCoins:           p.EcoCoins,
		CurrentStreak:      p.CurrentStreak,
		LifetimeEmissionKg: p.LifetimeEmissionKg,
		AvgDailyEmissionKg: p.AvgDailyEmissionKg,
		Heatmap:            heatmap,
		MaxStreak:          longestRun(days),
	}, nil
}
