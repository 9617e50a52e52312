package records

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rtc-signaling/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
    id text PRIMARY KEY,
    caller_id text,
    callee_id text,
    state text NOT NULL,
    reason text NOT NULL,
    created_at timestamptz,
    accepted_at timestamptz,
    ended_at timestamptz,
    duration_minutes integer,
    duration_seconds integer,
    duration_formatted text,
    price double precision,
    recording_url text,
    caller_name text,
    caller_phone text,
    caller_location text,
    updated_at timestamptz NOT NULL DEFAULT NOW()
);`

const calleeIndex = `
CREATE INDEX IF NOT EXISTS call_records_callee_created_idx
ON call_records (callee_id, created_at DESC);`

// PostgresRepo stores call history through database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Migrate creates the table and its index in one transaction.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, calleeIndex)
		return err
	})
}

func (r *PostgresRepo) Upsert(ctx context.Context, rec Record) error {
	// Timestamps keep their first value; ids and pass-through metadata keep
	// the stored value when the new row has none (synthetic finalize rows).
	const q = `
INSERT INTO call_records (
    id, caller_id, callee_id, state, reason,
    created_at, accepted_at, ended_at,
    duration_minutes, duration_seconds, duration_formatted,
    price, recording_url, caller_name, caller_phone, caller_location, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET
    caller_id = COALESCE(EXCLUDED.caller_id, call_records.caller_id),
    callee_id = COALESCE(EXCLUDED.callee_id, call_records.callee_id),
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    created_at = COALESCE(call_records.created_at, EXCLUDED.created_at),
    accepted_at = COALESCE(call_records.accepted_at, EXCLUDED.accepted_at),
    ended_at = COALESCE(call_records.ended_at, EXCLUDED.ended_at),
    duration_minutes = EXCLUDED.duration_minutes,
    duration_seconds = EXCLUDED.duration_seconds,
    duration_formatted = EXCLUDED.duration_formatted,
    price = EXCLUDED.price,
    recording_url = COALESCE(EXCLUDED.recording_url, call_records.recording_url),
    caller_name = COALESCE(EXCLUDED.caller_name, call_records.caller_name),
    caller_phone = COALESCE(EXCLUDED.caller_phone, call_records.caller_phone),
    caller_location = COALESCE(EXCLUDED.caller_location, call_records.caller_location),
    updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		nullString(rec.CallerID),
		nullString(rec.CalleeID),
		rec.State,
		rec.Reason,
		nullTime(rec.CreatedAt),
		nullTime(rec.AcceptedAt),
		nullTime(rec.EndedAt),
		nullInt(rec.DurationMinutes),
		nullInt(rec.DurationSeconds),
		nullStringPtr(rec.DurationFormatted),
		nullFloat(rec.Price),
		nullString(rec.RecordingURL),
		nullString(rec.CallerName),
		nullString(rec.CallerPhone),
		nullString(rec.CallerLocation),
		rec.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) FetchExisting(ctx context.Context, id string) (Existing, bool, error) {
	const q = `
SELECT reason, price, duration_minutes, duration_seconds, duration_formatted
FROM call_records
WHERE id = $1
`
	var (
		reason    sql.NullString
		price     sql.NullFloat64
		minutes   sql.NullInt64
		seconds   sql.NullInt64
		formatted sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(&reason, &price, &minutes, &seconds, &formatted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Existing{}, false, nil
		}
		return Existing{}, false, err
	}

	var e Existing
	e.Reason = reason.String
	if price.Valid {
		p := price.Float64
		e.Price = &p
	}
	if minutes.Valid {
		m := int(minutes.Int64)
		e.DurationMinutes = &m
	}
	if seconds.Valid {
		s := int(seconds.Int64)
		e.DurationSeconds = &s
	}
	if formatted.Valid {
		f := formatted.String
		e.DurationFormatted = &f
	}
	return e, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
