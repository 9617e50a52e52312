// Package store adapts the shared ephemeral key-value store used for presence
// and live call sessions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any transport-level failure of the backing store.
// Callers must surface it; swallowing it breaks the one-session-per-callee rule.
var ErrUnavailable = errors.New("store: unavailable")

// KV is the single-key atomic contract every process shares.
//
// Get reports found=false for a missing or expired key.
// A ttl <= 0 on Set/SetNX means the key never expires.
type KV interface {
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX writes only if key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
