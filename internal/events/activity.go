// Package events defines the event payloads exchanged with other services.
package events

import "time"

// ActivityLogged is emitted when an activity is appended to an owner's store.
type ActivityLogged struct {
	ActivityID      string    `json:"activity_id"`
	OwnerID         string    `json:"owner_id"`
	Category        string    `json:"category"`
	Subtype         string    `json:"subtype"`
	Quantity        float64   `json:"quantity"`
	Unit            string    `json:"unit"`
	FootprintKg     float64   `json:"footprint_kg"`
	FootprintSource string    `json:"footprint_source,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	State           string    `json:"state"`
}

// ProgressionSynced is emitted after a drain folds at least one activity.
type ProgressionSynced struct {
	OwnerID            string    `json:"owner_id"`
	Processed          int       `json:"processed"`
	XP                 int64     `json:"xp"`
	Level              int       `json:"level"`
	EcoCoins           int64     `json:"eco_coins"`
	CurrentStreak      int       `json:"current_streak"`
	LifetimeEmissionKg float64   `json:"lifetime_emission_kg"`
	Version            int64     `json:"version"`
	SyncedAt           time.Time `json:"synced_at"`
}

// ActivityIngested is published by external producers (conversational agents,
// device bridges) to record an activity for later folding.
type ActivityIngested struct {
	EventID     string     `json:"event_id,omitempty"`
	OwnerID     string     `json:"owner_id"`
	Category    string     `json:"category"`
	Subtype     string     `json:"subtype"`
	Quantity    float64    `json:"quantity"`
	Unit        string     `json:"unit,omitempty"`
	FootprintKg *float64   `json:"footprint_kg,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}
