// Package cache provides the TTL key/value store used for actor documents,
// verified keys and instance trust.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented TTL store. A zero ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
