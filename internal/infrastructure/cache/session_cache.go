package cache

import (
	"sync"
	"time"

	"marketplace-session/internal/domain"
)

// SessionCache holds the latest snapshot of persisted session keys with a TTL.
// The TTL bounds staleness when other processes share the same storage.
type SessionCache struct {
	mu        sync.RWMutex
	snapshot  *domain.CachedSession
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
	// version counts invalidations; a read started before one must not be cached.
	version uint64
}

// NewSessionCache creates a new snapshot cache with the specified TTL.
// A non-positive TTL disables expiry; the snapshot then lives until invalidated.
func NewSessionCache(ttl time.Duration) *SessionCache {
	return &SessionCache{ttl: ttl, now: time.Now}
}

// Get returns the cached snapshot if present and fresh.
func (c *SessionCache) Get() (*domain.CachedSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot == nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(c.expiresAt) {
		return nil, false
	}
	s := *c.snapshot
	return &s, true
}

// Set stores a snapshot read from storage.
func (c *SessionCache) Set(session domain.CachedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = &session
	c.expiresAt = c.now().Add(c.ttl)
}

// Version returns the invalidation count. Capture it before reading storage
// and pass it to SetIfVersion.
func (c *SessionCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetIfVersion stores a snapshot read from storage unless the cache was
// invalidated since version was taken. It reports whether the snapshot was kept.
func (c *SessionCache) SetIfVersion(version uint64, session domain.CachedSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		return false
	}
	c.snapshot = &session
	c.expiresAt = c.now().Add(c.ttl)
	return true
}

// Invalidate drops the snapshot; the next Get misses and reads in flight are not cached.
func (c *SessionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = nil
	c.version++
}
