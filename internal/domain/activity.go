package domain

import (
	"strings"
	"time"
)

// Category identifies the kind of action an activity records.
type Category string

const (
	CategoryTransport   Category = "transport"
	CategoryEnergy      Category = "energy"
	CategoryFood        Category = "food"
	CategoryConsumption Category = "consumption"
	CategoryWaste       Category = "waste"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryTransport,
	CategoryEnergy,
	CategoryFood,
	CategoryConsumption,
	CategoryWaste,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalises raw input into a known Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", &ValidationError{Field: "category", Reason: "unknown category " + `"` + raw + `"`}
	}
	return c, nil
}

// ProcessingState marks where an activity came from and whether its effects
// have been folded into the owner's progression.
type ProcessingState string

const (
	StateManual    ProcessingState = "manual"
	StateIoT       ProcessingState = "iot"
	StatePending   ProcessingState = "pending"
	StateProcessed ProcessingState = "processed"
)

// Activity is one logged action with its computed footprint.
type Activity struct {
	ID              string
	OwnerID         string
	Category        Category
	Subtype         string
	Quantity        float64
	Unit            string
	FootprintKg     float64
	FootprintSource EstimateSource
	OccurredAt      time.Time
	State           ProcessingState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	OccurredAt time.Time
	ID         string
}

// ActivityOrder selects the ordering of a listing.
type ActivityOrder int

const (
	// NewestFirst is the display ordering.
	NewestFirst ActivityOrder = iota
	// Chronological is the folding ordering.
	Chronological
)

// ActivityFilter narrows an activity listing. From is inclusive and To is
// exclusive; zero values leave the bound open. A zero Limit means no limit.
type ActivityFilter struct {
	From     time.Time
	To       time.Time
	Category Category
	Order    ActivityOrder
	Cursor   *Cursor
	Limit    int
}

// Matches reports whether a passes the time and category bounds of f.
func (f ActivityFilter) Matches(a Activity) bool {
	if !f.From.IsZero() && a.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.OccurredAt.Before(f.To) {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	return true
}
