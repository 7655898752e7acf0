package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on a miss by every KV implementation.
var ErrNotFound = errors.New("key not found")

// Counter is a sliding-window attempt counter. Implementations must be
// safe for concurrent use from arbitrary goroutines; entries disappear
// once their window elapses with no new increments.
type Counter interface {
	// Increment bumps the counter for key and (re)arms its window.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)
	// Count returns the current value, zero when absent or expired.
	Count(ctx context.Context, key string) (int, error)
	// Reset removes the counter entirely.
	Reset(ctx context.Context, key string) error
}

// KV is a get/set/delete-with-TTL store for ephemeral payloads such as
// signup drafts. Backing implementations are interchangeable: the
// in-memory store for single-instance deployments, redis for shared
// state across replicas.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value without consuming it.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDel returns the value and removes it atomically (read-once).
	GetDel(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
