// Package presence maps user ids to their live connection handle.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rtc-signaling/internal/store"
)

const keyPrefix = "user:conn:"

var ErrInvalidUser = errors.New("presence: user id is required")

// Registry is backed by the shared store so every process resolves the same
// handle. Entries carry no TTL: presence means connected now, and is removed
// only when the owning connection goes away.
type Registry struct {
	kv store.KV
}

func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv}
}

func key(userID string) string { return keyPrefix + userID }

// Register upserts userID -> handle. The latest registration wins and the
// replaced connection is not notified.
func (r *Registry) Register(ctx context.Context, userID, handle string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || handle == "" {
		return ErrInvalidUser
	}
	if err := r.kv.Set(ctx, key(userID), []byte(handle), 0); err != nil {
		return fmt.Errorf("presence register: %w", err)
	}
	return nil
}

// Lookup returns the live handle for userID, or found=false.
func (r *Registry) Lookup(ctx context.Context, userID string) (string, bool, error) {
	if userID == "" {
		return "", false, nil
	}
	b, found, err := r.kv.Get(ctx, key(userID))
	if err != nil {
		return "", false, fmt.Errorf("presence lookup: %w", err)
	}
	if !found || len(b) == 0 {
		return "", false, nil
	}
	return string(b), true, nil
}

// Remove deletes the entry unconditionally. Idempotent.
func (r *Registry) Remove(ctx context.Context, userID string) error {
	if err := r.kv.Delete(ctx, key(userID)); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// RemoveIfOwner deletes the entry only while it still points at handle, so a
// stale connection closing after a re-register does not evict the newer one.
// The check and the delete are two store calls; a register landing between
// them is lost, which matches the last-write-wins policy of the call keys.
func (r *Registry) RemoveIfOwner(ctx context.Context, userID, handle string) (bool, error) {
	cur, found, err := r.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found || cur != handle {
		return false, nil
	}
	if err := r.Remove(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}
