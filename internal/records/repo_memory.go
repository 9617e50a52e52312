package records

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory repository useful for tests and local runs.
// It applies the same never-overwrite rule for timestamps as the SQL upsert.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]Record{}} }

func (r *MemoryRepo) Upsert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.rows[rec.ID]; ok {
		if prev.CreatedAt != nil {
			rec.CreatedAt = prev.CreatedAt
		}
		if prev.AcceptedAt != nil {
			rec.AcceptedAt = prev.AcceptedAt
		}
		if prev.EndedAt != nil {
			rec.EndedAt = prev.EndedAt
		}
		if rec.CallerID == "" {
			rec.CallerID = prev.CallerID
		}
		if rec.CalleeID == "" {
			rec.CalleeID = prev.CalleeID
		}
		if rec.RecordingURL == "" {
			rec.RecordingURL = prev.RecordingURL
		}
		if rec.CallerName == "" {
			rec.CallerName = prev.CallerName
		}
		if rec.CallerPhone == "" {
			rec.CallerPhone = prev.CallerPhone
		}
		if rec.CallerLocation == "" {
			rec.CallerLocation = prev.CallerLocation
		}
	}
	r.rows[rec.ID] = rec
	return nil
}

func (r *MemoryRepo) FetchExisting(_ context.Context, id string) (Existing, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return Existing{}, false, nil
	}
	return Existing{
		Reason:            rec.Reason,
		Price:             rec.Price,
		DurationMinutes:   rec.DurationMinutes,
		DurationSeconds:   rec.DurationSeconds,
		DurationFormatted: rec.DurationFormatted,
	}, true, nil
}

// Get returns the stored row, for assertions.
func (r *MemoryRepo) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	return rec, ok
}
