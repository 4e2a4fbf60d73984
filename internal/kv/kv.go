package kv

import (
	"context"
	"time"
)

// Counter is the atomic "exists then increment and refresh TTL, else create
// with TTL" primitive behind deduplication.
type Counter interface {
	Touch(ctx context.Context, key string, ttl time.Duration) (existed bool, err error)
	// Exists reports whether key is live without touching it.
	Exists(ctx context.Context, key string) (bool, error)
}

// Locker is a token-guarded lock with expiry. Release only deletes the key
// while it still holds the caller's token.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}
