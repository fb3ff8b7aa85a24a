package domain

import (
	"math"
	"strings"
)

// Details carries the category-specific fields of a logged activity. Each
// variant validates its own fields and reduces them to the uniform
// (subtype, quantity, unit) triple stored on an Activity.
type Details interface {
	Category() Category
	Normalize() (subtype string, quantity float64, unit string, err error)
}

// TransportDetails records a trip.
type TransportDetails struct {
	Mode       string
	DistanceKm float64
}

// EnergyDetails records household energy usage.
type EnergyDetails struct {
	Source   string
	UsageKWh float64
}

// FoodDetails records a meal.
type FoodDetails struct {
	MealType string
	DietType string
	Quantity float64
	Unit     string
}

// ConsumptionDetails records a purchase.
type ConsumptionDetails struct {
	PurchaseCategory string
	Amount           float64
	Currency         string
}

// WasteDetails records discarded waste.
type WasteDetails struct {
	WasteType string
	WeightKg  float64
}

var foodUnits = map[string]struct{}{
	"serving": {},
	"item":    {},
	"gram":    {},
	"ounce":   {},
}

func (TransportDetails) Category() Category   { return CategoryTransport }
func (EnergyDetails) Category() Category      { return CategoryEnergy }
func (FoodDetails) Category() Category        { return CategoryFood }
func (ConsumptionDetails) Category() Category { return CategoryConsumption }
func (WasteDetails) Category() Category       { return CategoryWaste }

// Normalize implements Details.
func (d TransportDetails) Normalize() (string, float64, string, error) {
	mode := normalizeToken(d.Mode)
	if mode == "" {
		return "", 0, "", invalid("mode", "transport mode is required")
	}
	if err := positive("distance_km", d.DistanceKm); err != nil {
		return "", 0, "", err
	}
	return mode, d.DistanceKm, "km", nil
}

// Normalize implements Details.
func (d EnergyDetails) Normalize() (string, float64, string, error) {
	source := normalizeToken(d.Source)
	if source == "" {
		source = "electricity"
	}
	if err := positive("usage_kwh", d.UsageKWh); err != nil {
		return "", 0, "", err
	}
	return source, d.UsageKWh, "kWh", nil
}

// Normalize implements Details.
func (d FoodDetails) Normalize() (string, float64, string, error) {
	diet := normalizeToken(d.DietType)
	if diet == "" {
		return "", 0, "", invalid("diet_type", "diet type is required")
	}
	if err := positive("quantity", d.Quantity); err != nil {
		return "", 0, "", err
	}
	unit := normalizeToken(d.Unit)
	if unit == "" {
		unit = "serving"
	}
	if _, ok := foodUnits[unit]; !ok {
		return "", 0, "", invalid("unit", "unsupported food unit "+`"`+d.Unit+`"`)
	}
	return diet, d.Quantity, unit, nil
}

// Normalize implements Details.
func (d ConsumptionDetails) Normalize() (string, float64, string, error) {
	category := normalizeToken(d.PurchaseCategory)
	if category == "" {
		return "", 0, "", invalid("purchase_category", "purchase category is required")
	}
	if err := positive("amount", d.Amount); err != nil {
		return "", 0, "", err
	}
	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = "CURRENCY"
	}
	return category, d.Amount, currency, nil
}

// Normalize implements Details.
func (d WasteDetails) Normalize() (string, float64, string, error) {
	wasteType := normalizeToken(d.WasteType)
	if wasteType == "" {
		wasteType = "general"
	}
	if err := positive("weight_kg", d.WeightKg); err != nil {
		return "", 0, "", err
	}
	return wasteType, d.WeightKg, "kg", nil
}

// NewDetails builds the variant for category from the flat representation used
// by ingestion payloads. A non-empty unit must match what the category measures.
func NewDetails(category Category, subtype string, quantity float64, unit string) (Details, error) {
	switch category {
	case CategoryTransport:
		if err := expectUnit(unit, "km"); err != nil {
			return nil, err
		}
		return TransportDetails{Mode: subtype, DistanceKm: quantity}, nil
	case CategoryEnergy:
		if err := expectUnit(unit, "kwh"); err != nil {
			return nil, err
		}
		return EnergyDetails{Source: subtype, UsageKWh: quantity}, nil
	case CategoryFood:
		return FoodDetails{DietType: subtype, Quantity: quantity, Unit: unit}, nil
	case CategoryConsumption:
		return ConsumptionDetails{PurchaseCategory: subtype, Amount: quantity, Currency: unit}, nil
	case CategoryWaste:
		if err := expectUnit(unit, "kg"); err != nil {
			return nil, err
		}
		return WasteDetails{WasteType: subtype, WeightKg: quantity}, nil
	default:
		return nil, invalid("category", "unknown category "+`"`+string(category)+`"`)
	}
}

func expectUnit(unit, want string) error {
	if u := normalizeToken(unit); u != "" && u != want {
		return invalid("unit", "expected "+want+", got "+`"`+unit+`"`)
	}
	return nil
}

func positive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	if v <= 0 {
		return invalid(field, "must be > 0")
	}
	return nil
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
