package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rtc-signaling/internal/calls"
)

// Repository is the persistence contract for call history.
type Repository interface {
	Upsert(ctx context.Context, r Record) error
	// FetchExisting reports found=false when no row exists for id.
	FetchExisting(ctx context.Context, id string) (Existing, bool, error)
}

var (
	ErrPersistenceFailed = errors.New("records: persistence failed")
	ErrInvalidRecord     = errors.New("records: invalid record")
)

// Service turns call snapshots into durable rows. It satisfies calls.Recorder.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Record reads what is already stored for the session, resolves the final
// field values and upserts the row. Any repository error is reported as
// ErrPersistenceFailed.
func (s *Service) Record(ctx context.Context, snap calls.Snapshot) error {
	if s.repo == nil {
		return errors.New("records: repository not configured")
	}
	if snap.Session.ID == "" {
		return ErrInvalidRecord
	}

	existing, found, err := s.repo.FetchExisting(ctx, snap.Session.ID)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", ErrPersistenceFailed, snap.Session.ID, err)
	}
	rec := Resolve(snap, existing, found, s.clock().UTC())
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrPersistenceFailed, rec.ID, err)
	}
	return nil
}

// Resolve builds the row to store.
//
// Reason and price: the value supplied with the event, then the session's
// own value, then what the table already holds; reason finally falls back to
// calls.FallbackReason. Duration: computed values win, otherwise the stored
// ones are kept.
func Resolve(snap calls.Snapshot, existing Existing, found bool, now time.Time) Record {
	sess := snap.Session
	if !found {
		existing = Existing{}
	}

	rec := Record{
		ID:             sess.ID,
		CallerID:       sess.CallerID,
		CalleeID:       sess.CalleeID,
		State:          string(sess.State),
		Reason:         firstString(snap.Reason, sess.Reason, existing.Reason, calls.FallbackReason),
		AcceptedAt:     sess.AcceptedAt,
		EndedAt:        sess.EndedAt,
		Price:          firstPrice(snap.Price, sess.Metadata.Price, existing.Price),
		RecordingURL:   sess.Metadata.RecordingURL,
		CallerName:     sess.Metadata.CallerName,
		CallerPhone:    sess.Metadata.CallerPhone,
		CallerLocation: sess.Metadata.CallerLocation,
		UpdatedAt:      now,
	}
	if !sess.CreatedAt.IsZero() {
		t := sess.CreatedAt
		rec.CreatedAt = &t
	}

	if d := sess.Duration; d != nil {
		m, sec, f := d.Minutes, d.Seconds, d.Formatted
		rec.DurationMinutes, rec.DurationSeconds, rec.DurationFormatted = &m, &sec, &f
	} else {
		rec.DurationMinutes = existing.DurationMinutes
		rec.DurationSeconds = existing.DurationSeconds
		rec.DurationFormatted = existing.DurationFormatted
	}
	return rec
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPrice(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			p := *v
			return &p
		}
	}
	return nil
}
