// Package cache is the optional cache-aside store. Every caller must work
// with a nil Cache; failures other than a miss come back as
// domain.Degraded errors.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime_go/internal/clock"
)

// ErrMiss reports that the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a TTL key/value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// AddMember adds member to the set at key, refreshes the set's ttl and
	// returns the set size afterwards.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
	// RemoveMember removes member from the set at key and returns the
	// remaining size.
	RemoveMember(ctx context.Context, key, member string) (int64, error)
	Close() error
}

// Open builds a Cache from a URL: "redis://..." or "rediss://..." for Redis,
// "memory" for the in-process store, "" for no cache (nil, nil).
func Open(ctx context.Context, url string) (Cache, error) {
	switch {
	case url == "":
		return nil, nil
	case url == "memory":
		return NewMemory(clock.Real()), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(ctx, url)
	}
	return nil, fmt.Errorf("unsupported cache url %q", url)
}
