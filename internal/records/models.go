package records

import "time"

// Record is one row of call history, keyed by the call session id.
//
// Invariants:
// - Rows are upserted on every transition; the latest state wins.
// - created_at, accepted_at and ended_at are never overwritten once set.
// - The live store, not this table, is authoritative for in-flight calls.
//
// Storage (Postgres): table call_records, see Migrate.
type Record struct {
	ID       string `json:"id" db:"id"`
	CallerID string `json:"caller_id,omitempty" db:"caller_id"`
	CalleeID string `json:"callee_id,omitempty" db:"callee_id"`
	State    string `json:"state" db:"state"`
	Reason   string `json:"reason" db:"reason"`

	CreatedAt  *time.Time `json:"created_at,omitempty" db:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// Duration columns stay NULL for calls that never reached ACCEPTED.
	DurationMinutes   *int    `json:"duration_minutes,omitempty" db:"duration_minutes"`
	DurationSeconds   *int    `json:"duration_seconds,omitempty" db:"duration_seconds"`
	DurationFormatted *string `json:"duration_formatted,omitempty" db:"duration_formatted"`

	// Price is passed through as supplied.
	Price *float64 `json:"price,omitempty" db:"price"`

	RecordingURL   string `json:"recording_url,omitempty" db:"recording_url"`
	CallerName     string `json:"caller_name,omitempty" db:"caller_name"`
	CallerPhone    string `json:"caller_phone,omitempty" db:"caller_phone"`
	CallerLocation string `json:"caller_location,omitempty" db:"caller_location"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Existing holds the previously recorded fields that take part in merging.
type Existing struct {
	Reason            string
	Price             *float64
	DurationMinutes   *int
	DurationSeconds   *int
	DurationFormatted *string
}
