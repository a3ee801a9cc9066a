// Package sessionstore provides mcp.SessionStore backends.
//
// Every backend treats a session whose last write is older than its TTL as absent. Memory
// and File track expiry themselves and reclaim space through GC; Cache hands the TTL to the
// underlying cache, which expires entries natively, so its GC has nothing to do.
package sessionstore

import (
	"time"

	"github.com/MegaGrindStone/mcp"
)

// DefaultTTL is the session lifetime used when a constructor receives a non-positive TTL.
const DefaultTTL = 30 * time.Minute

// DefaultPrefix namespaces the keys of cache-backed stores.
const DefaultPrefix = "mcp:session"

// Option configures a store.
type Option func(*config)

type config struct {
	now    func() time.Time
	prefix string
}

var (
	_ mcp.SessionStore = (*Memory)(nil)
	_ mcp.SessionStore = (*File)(nil)
	_ mcp.SessionStore = (*Cache)(nil)
)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithPrefix sets the key prefix of cache-backed stores.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

func applyOptions(opts []Option) config {
	cfg := config{now: time.Now, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
