package domain

import (
	"context"
	"time"
)

const maxTrendMonths = 120

// MonthTotal is one bucket of a monthly trend.
type MonthTotal struct {
	Month   string  `json:"month"`
	TotalKg float64 `json:"total_kg"`
}

// PeriodTotals sums footprints over calendar windows.
type PeriodTotals struct {
	TodayKg     float64 `json:"today_kg"`
	YesterdayKg float64 `json:"yesterday_kg"`
	ThisMonthKg float64 `json:"this_month_kg"`
	LastMonthKg float64 `json:"last_month_kg"`
}

// BudgetUsage compares usage with the owner's carbon budget.
type BudgetUsage struct {
	DailyLimitKg   float64 `json:"daily_limit_kg"`
	DailyUsedKg    float64 `json:"daily_used_kg"`
	MonthlyLimitKg float64 `json:"monthly_limit_kg"`
	MonthlyUsedKg  float64 `json:"monthly_used_kg"`
}

// Dashboard is the combined report shown to an owner.
type Dashboard struct {
	Trend      []MonthTotal         `json:"trend"`
	Categories map[Category]float64 `json:"category_breakdown"`
	Periods    PeriodTotals         `json:"period_totals"`
	Budget     BudgetUsage          `json:"budget"`
}

// MonthlyTrend returns monthsBack consecutive months ending with the current
// one, oldest first. Months without activity report zero.
func (s *Service) MonthlyTrend(ctx context.Context, ownerID string, monthsBack int) ([]MonthTotal, error) {
	if monthsBack <= 0 || monthsBack > maxTrendMonths {
		return nil, invalid("months", "must be between 1 and 120")
	}
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return nil, err
	}
	now := s.now().In(s.loc)
	from := startOfMonth(now).AddDate(0, -(monthsBack - 1), 0)
	activities, err := s.activitiesBetween(ctx, ownerID, from, startOfMonth(now).AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}
	return s.monthlyTrend(activities, now, monthsBack), nil
}

// CategoryBreakdown sums footprints per category over [from, to). Every
// known category is present.
func (s *Service) CategoryBreakdown(ctx context.Context, ownerID string, from, to time.Time) (map[Category]float64, error) {
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return nil, err
	}
	activities, err := s.activitiesBetween(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	return categoryBreakdown(activities), nil
}

// PeriodTotals sums footprints for today, yesterday, this month and last month.
func (s *Service) PeriodTotals(ctx context.Context, ownerID string) (PeriodTotals, error) {
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return PeriodTotals{}, err
	}
	now := s.now().In(s.loc)
	activities, err := s.activitiesBetween(ctx, ownerID, startOfMonth(now).AddDate(0, -1, 0), startOfDay(now).AddDate(0, 0, 1))
	if err != nil {
		return PeriodTotals{}, err
	}
	return s.periodTotals(activities, now), nil
}

// Budget reports usage against the owner's monthly budget.
func (s *Service) Budget(ctx context.Context, ownerID string) (BudgetUsage, error) {
	periods, err := s.PeriodTotals(ctx, ownerID)
	if err != nil {
		return BudgetUsage{}, err
	}
	profile, err := s.Profile(ctx, ownerID)
	if err != nil {
		return BudgetUsage{}, err
	}
	return s.budget(profile, periods), nil
}

// Dashboard syncs once and assembles every report. The category breakdown
// covers the current month.
func (s *Service) Dashboard(ctx context.Context, ownerID string) (Dashboard, error) {
	if _, err := s.SyncPending(ctx, ownerID); err != nil {
		return Dashboard{}, err
	}
	profile, err := s.Profile(ctx, ownerID)
	if err != nil {
		return Dashboard{}, err
	}

	now := s.now().In(s.loc)
	thisMonth := startOfMonth(now)
	from := thisMonth.AddDate(0, -(s.trendMonths - 1), 0)
	if lastMonth := thisMonth.AddDate(0, -1, 0); lastMonth.Before(from) {
		from = lastMonth
	}
	activities, err := s.activitiesBetween(ctx, ownerID, from, thisMonth.AddDate(0, 1, 0))
	if err != nil {
		return Dashboard{}, err
	}

	var current []Activity
	for _, a := range activities {
		if !a.OccurredAt.Before(thisMonth) {
			current = append(current, a)
		}
	}
	periods := s.periodTotals(activities, now)
	return Dashboard{
		Trend:      s.monthlyTrend(activities, now, s.trendMonths),
		Categories: categoryBreakdown(current),
		Periods:    periods,
		Budget:     s.budget(profile, periods),
	}, nil
}

func (s *Service) activitiesBetween(ctx context.Context, ownerID string, from, to time.Time) ([]Activity, error) {
	items, _, err := s.repo.ListActivities(ctx, ownerID, ActivityFilter{From: from, To: to, Order: Chronological})
	if err != nil {
		return nil, persistenceError("list activities", err)
	}
	return items, nil
}

func (s *Service) monthlyTrend(activities []Activity, now time.Time, months int) []MonthTotal {
	first := startOfMonth(now).AddDate(0, -(months - 1), 0)
	trend := make([]MonthTotal, months)
	index := make(map[string]int, months)
	for i := range trend {
		label := first.AddDate(0, i, 0).Format("2006-01")
		trend[i] = MonthTotal{Month: label}
		index[label] = i
	}
	for _, a := range activities {
		if i, ok := index[a.OccurredAt.In(s.loc).Format("2006-01")]; ok {
			trend[i].TotalKg += a.FootprintKg
		}
	}
	return trend
}

func categoryBreakdown(activities []Activity) map[Category]float64 {
	out := make(map[Category]float64, len(Categories))
	for _, c := range Categories {
		out[c] = 0
	}
	for _, a := range activities {
		if _, ok := out[a.Category]; ok {
			out[a.Category] += a.FootprintKg
		}
	}
	return out
}

func (s *Service) periodTotals(activities []Activity, now time.Time) PeriodTotals {
	today := startOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)
	yesterday := today.AddDate(0, 0, -1)
	thisMonth := startOfMonth(now)
	nextMonth := thisMonth.AddDate(0, 1, 0)
	lastMonth := thisMonth.AddDate(0, -1, 0)

	var totals PeriodTotals
	for _, a := range activities {
		at := a.OccurredAt
		if within(at, today, tomorrow) {
			totals.TodayKg += a.FootprintKg
		}
		if within(at, yesterday, today) {
			totals.YesterdayKg += a.FootprintKg
		}
		if within(at, thisMonth, nextMonth) {
			totals.ThisMonthKg += a.FootprintKg
		}
		if within(at, lastMonth, thisMonth) {
			totals.LastMonthKg += a.FootprintKg
		}
	}
	return totals
}

func (s *Service) budget(profile Profile, periods PeriodTotals) BudgetUsage {
	monthly := profile.CarbonBudgetKg
	if monthly <= 0 {
		monthly = s.defaultBudget
	}
	return BudgetUsage{
		DailyLimitKg:   monthly / 30,
		DailyUsedKg:    periods.TodayKg,
		MonthlyLimitKg: monthly,
		MonthlyUsedKg:  periods.ThisMonthKg,
	}
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
