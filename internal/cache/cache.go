// Package cache provides the byte-oriented record cache used by the quota
// coordinator's local tier.
//
// Three backends are available:
//   - ristretto: process-local, used in single-instance deployments
//   - olric: shared across gateway instances (embedded node or cluster client)
//   - noop: caching disabled, every lookup misses
//
// Values are opaque bytes; callers own serialization.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for a missing or expired key.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("cache: cache is closed")
)

var pkgLogger atomic.Pointer[zerolog.Logger]

// SetLogger installs the logger used by backends, tagged with component=cache.
// Backends log nothing until it is called.
func SetLogger(l *zerolog.Logger) {
	tagged := l.With().Str("component", "cache").Logger()
	pkgLogger.Store(&tagged)
}

func logger() *zerolog.Logger {
	if l := pkgLogger.Load(); l != nil {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}

// Cache stores opaque values with a time-to-live.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores value under key until ttl elapses.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources. Further calls return ErrClosed.
	Close() error
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeyCount  uint64 `json:"key_count"`
	Evictions uint64 `json:"evictions"`
}

// StatsProvider is implemented by backends that expose Stats.
type StatsProvider interface {
	Stats() Stats
}

// Pinger is implemented by backends with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Locality reports whether a backend's values are visible to this process only.
// Writers that rely on a process-level lock for compare-and-swap must check it.
type Locality interface {
	ProcessLocal() bool
}

// IsProcessLocal reports whether c keeps its values inside this process.
func IsProcessLocal(c Cache) bool {
	l, ok := c.(Locality)
	return ok && l.ProcessLocal()
}
