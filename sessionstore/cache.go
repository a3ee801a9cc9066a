package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ExpiringCache is a key-value cache that expires entries on its own.
type ExpiringCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is a session store on top of an ExpiringCache. Every write refreshes the TTL.
type Cache struct {
	cache  ExpiringCache
	ttl    time.Duration
	prefix string
}

// envelope is the msgpack document stored for every session.
type envelope struct {
	Data     []byte    `msgpack:"d"`
	StoredAt time.Time `msgpack:"t"`
}

// NewCache creates a session store delegating expiry to c.
func NewCache(c ExpiringCache, ttl time.Duration, opts ...Option) *Cache {
	cfg := applyOptions(opts)
	return &Cache{
		cache:  c,
		ttl:    ttlOrDefault(ttl),
		prefix: cfg.prefix,
	}
}

// Read implements mcp.SessionStore.
func (c *Cache) Read(ctx context.Context, id uuid.UUID) ([]byte, bool, error) {
	raw, ok, err := c.cache.Get(ctx, c.key(id))
	if err != nil {
		return nil, false, errors.Wrapf(err, "get session %s", id)
	}
	if !ok {
		return nil, false, nil
	}
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, false, errors.Wrapf(err, "decode session %s", id)
	}
	return env.Data, true, nil
}

// Write implements mcp.SessionStore.
func (c *Cache) Write(ctx context.Context, id uuid.UUID, data []byte) error {
	raw, err := msgpack.Marshal(envelope{Data: data, StoredAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrapf(err, "encode session %s", id)
	}
	if err := c.cache.Set(ctx, c.key(id), raw, c.ttl); err != nil {
		return errors.Wrapf(err, "set session %s", id)
	}
	return nil
}

// Destroy implements mcp.SessionStore.
func (c *Cache) Destroy(ctx context.Context, id uuid.UUID) error {
	if err := c.cache.Delete(ctx, c.key(id)); err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	return nil
}

// Exists implements mcp.SessionStore.
func (c *Cache) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok, err := c.cache.Get(ctx, c.key(id))
	if err != nil {
		return false, errors.Wrapf(err, "get session %s", id)
	}
	return ok, nil
}

// GC implements mcp.SessionStore. The cache expires entries itself.
func (c *Cache) GC(context.Context) ([]uuid.UUID, error) {
	return nil, nil
}

func (c *Cache) key(id uuid.UUID) string {
	if c.prefix == "" {
		return id.String()
	}
	return c.prefix + ":" + id.String()
}

// DefaultQueryTimeout bounds every Redis round trip.
const DefaultQueryTimeout = 5 * time.Second

type redisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCache returns an ExpiringCache backed by Redis. Entries are hashes holding the
// value under "v", expired with EXPIRE. The caller owns the client lifecycle.
func NewRedisCache(client *redis.Client) ExpiringCache {
	return &redisCache{client: client, queryTimeout: DefaultQueryTimeout}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	data, err := c.client.HGet(qctx, key, "v").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis hget %s", key)
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.HSet(qctx, key, "v", val)
	pipe.Expire(qctx, key, ttl)
	if _, err := pipe.Exec(qctx); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(qctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

// MemoryCache is an in-process ExpiringCache. A background sweeper drops expired entries
// until the context given to NewMemoryCache is done or Close is called.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cacheEntry struct {
	val     []byte
	expires time.Time
}

// DefaultSweepInterval is how often MemoryCache drops expired entries.
const DefaultSweepInterval = time.Minute

// NewMemoryCache creates a MemoryCache and starts its sweeper.
func NewMemoryCache(ctx context.Context, opts ...Option) *MemoryCache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(ctx)
	c := &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     cfg.now,
		cancel:  cancel,
	}
	c.wg.Add(1)
	go c.sweep(ctx, DefaultSweepInterval)
	return c
}

// Get implements ExpiringCache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

// Set implements ExpiringCache.
func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	stored := make([]byte, len(val))
	copy(stored, val)

	c.mu.Lock()
	c.entries[key] = cacheEntry{val: stored, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements ExpiringCache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *MemoryCache) sweep(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
}
