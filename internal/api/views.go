package api

import (
	"time"

	"example.com/ecoprogress/internal/domain"
)

// LogActivityRequest is the flat body accepted by POST /v1/activities. Only
// the fields of the chosen category are read.
type LogActivityRequest struct {
	Category   string     `json:"category"`
	State      string     `json:"state,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`

	Mode       string  `json:"mode,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`

	EnergySource string  `json:"energy_source,omitempty"`
	UsageKWh     float64 `json:"usage_kwh,omitempty"`

	MealType string  `json:"meal_type,omitempty"`
	DietType string  `json:"diet_type,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`

	PurchaseCategory string  `json:"purchase_category,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Currency         string  `json:"currency,omitempty"`

	WasteType string  `json:"waste_type,omitempty"`
	WeightKg  float64 `json:"weight_kg,omitempty"`
}

// Details converts the request into the category variant.
func (r LogActivityRequest) Details() (domain.Details, error) {
	category, err := domain.ParseCategory(r.Category)
	if err != nil {
		return nil, err
	}
	switch category {
	case domain.CategoryTransport:
		return domain.TransportDetails{Mode: r.Mode, DistanceKm: r.DistanceKm}, nil
	case domain.CategoryEnergy:
		return domain.EnergyDetails{Source: r.EnergySource, UsageKWh: r.UsageKWh}, nil
	case domain.CategoryFood:
		return domain.FoodDetails{MealType: r.MealType, DietType: r.DietType, Quantity: r.Quantity, Unit: r.Unit}, nil
	case domain.CategoryConsumption:
		return domain.ConsumptionDetails{PurchaseCategory: r.PurchaseCategory, Amount: r.Amount, Currency: r.Currency}, nil
	default:
		return domain.WasteDetails{WasteType: r.WasteType, WeightKg: r.WeightKg}, nil
	}
}

// ActivityView is the wire shape of a stored activity.
type ActivityView struct {
	ID              string    `json:"id"`
	Category        string    `json:"category"`
	Subtype         string    `json:"subtype"`
	Quantity        float64   `json:"quantity"`
	Unit            string    `json:"unit"`
	FootprintKg     float64   `json:"footprint_kg"`
	FootprintSource string    `json:"footprint_source"`
	OccurredAt      time.Time `json:"occurred_at"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ID:              a.ID,
		Category:        string(a.Category),
		Subtype:         a.Subtype,
		Quantity:        a.Quantity,
		Unit:            a.Unit,
		FootprintKg:     a.FootprintKg,
		FootprintSource: string(a.FootprintSource),
		OccurredAt:      a.OccurredAt,
		State:           string(a.State),
		CreatedAt:       a.CreatedAt,
	}
}

// LogActivityResponse wraps the stored activity.
type LogActivityResponse struct {
	Activity ActivityView `json:"activity"`
	Replay   bool         `json:"replay"`
}

// ListActivitiesResponse is one page of activities.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ProfileRequest registers or updates the caller's profile.
type ProfileRequest struct {
	DisplayName    string   `json:"display_name"`
	State          string   `json:"state,omitempty"`
	City           string   `json:"city,omitempty"`
	CarbonBudgetKg *float64 `json:"carbon_budget_kg,omitempty"`
}

// ProfileView is the wire shape of a profile and its progression.
type ProfileView struct {
	OwnerID            string    `json:"owner_id"`
	DisplayName        string    `json:"display_name"`
	State              string    `json:"state,omitempty"`
	City               string    `json:"city,omitempty"`
	CarbonBudgetKg     float64   `json:"carbon_budget_kg"`
	JoinedAt           time.Time `json:"joined_at"`
	XP                 int64     `json:"xp"`
	Level              int       `json:"level"`
	EcoCoins           int64     `json:"eco_coins"`
	CurrentStreak      int       `json:"current_streak"`
	LastActivityDate   string    `json:"last_activity_date,omitempty"`
	LifetimeEmissionKg float64   `json:"lifetime_emission_kg"`
	AvgDailyEmissionKg float64   `json:"avg_daily_emission_kg"`
}

func toProfileView(p domain.Profile) ProfileView {
	view := ProfileView{
		OwnerID:            p.OwnerID,
		DisplayName:        p.DisplayName,
		State:              p.State,
		City:               p.City,
		CarbonBudgetKg:     p.CarbonBudgetKg,
		JoinedAt:           p.JoinedAt,
		XP:                 p.Progression.XP,
		Level:              p.Progression.Level(),
		EcoCoins:           p.Progression.EcoCoins,
		CurrentStreak:      p.Progression.CurrentStreak,
		LifetimeEmissionKg: p.Progression.LifetimeEmissionKg,
		AvgDailyEmissionKg: p.Progression.AvgDailyEmissionKg,
	}
	if !p.Progression.LastActivityDate.IsZero() {
		view.LastActivityDate = p.Progression.LastActivityDate.Format(time.DateOnly)
	}
	return view
}

// SyncResponse summarises a pending-activity fold.
type SyncResponse struct {
	Processed       int     `json:"processed"`
	XPGained        int64   `json:"xp_gained"`
	CoinsGained     int64   `json:"coins_gained"`
	EmissionAddedKg float64 `json:"emission_added_kg"`
}
