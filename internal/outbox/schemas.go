package outbox

const activityLoggedSchema = `{
  "type": "object",
  "title": "ActivityLogged",
  "properties": {
    "activity_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "category": {"type": "string", "enum": ["transport", "energy", "food", "consumption", "waste"]},
    "subtype": {"type": "string"},
    "quantity": {"type": "number"},
    "unit": {"type": "string"},
    "footprint_kg": {"type": "number", "minimum": 0},
    "footprint_source": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "state": {"type": "string", "enum": ["manual", "iot", "pending", "processed"]}
  },
  "required": ["activity_id", "owner_id", "category", "subtype", "quantity", "unit", "footprint_kg", "occurred_at", "state"],
  "additionalProperties": false
}`

const progressionSyncedSchema = `{
  "type": "object",
  "title": "ProgressionSynced",
  "properties": {
    "owner_id": {"type": "string"},
    "processed": {"type": "integer", "minimum": 0},
    "xp": {"type": "integer", "minimum": 0},
    "level": {"type": "integer", "minimum": 1},
    "eco_coins": {"type": "integer", "minimum": 0},
    "current_streak": {"type": "integer", "minimum": 0},
    "lifetime_emission_kg": {"type": "number", "minimum": 0},
    "version": {"type": "integer"},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["owner_id", "processed", "xp", "level", "eco_coins", "current_streak", "lifetime_emission_kg", "version", "synced_at"],
  "additionalProperties": false
}`
