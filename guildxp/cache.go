package guildxp

import (
	"sync"
	"time"
)

// CacheEntry is the in-memory view of a user's XP within one scope: the
// unix time of their last award, and their cumulative XP. Entries are a
// best-effort accelerator over the XP store, never the system of record,
// and are lost on restart.
type CacheEntry struct {
	LastAwardUnix int64
	XP            int64
}

// XPCache is an in-process write-through cache over the XP store, keyed by
// (scope, user). The award engine updates it optimistically after a
// successful store write using the locally known prior value plus the
// delta just written, without re-reading the database. It can therefore
// drift from storage if another process writes concurrently; scope-level
// invalidation (decay runs, admin edits, notifier events) is the recovery
// mechanism.
type XPCache struct {
	mu     sync.RWMutex
	scopes map[Scope]map[string]CacheEntry
}

func NewXPCache() *XPCache {
	return &XPCache{scopes: map[Scope]map[string]CacheEntry{}}
}

// Get returns the cached entry for the given scope and user, and a bool
// indicating whether one was present.
func (c *XPCache) Get(scope Scope, userID string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users, ok := c.scopes[scope]
	if !ok {
		return CacheEntry{}, false
	}
	entry, ok := users[userID]
	return entry, ok
}

// Put stores an entry for the given scope and user, creating the scope map
// if needed.
func (c *XPCache) Put(scope Scope, userID string, lastAwardUnix int64, xp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.scopes[scope]
	if !ok {
		users = map[string]CacheEntry{}
		c.scopes[scope] = users
	}
	users[userID] = CacheEntry{LastAwardUnix: lastAwardUnix, XP: xp}
}

// ScopeLoaded reports whether the given scope has been loaded (or written
// to) at least once.
func (c *XPCache) ScopeLoaded(scope Scope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.scopes[scope]
	return ok
}

// ScopeSize returns the number of cached entries for the given scope.
func (c *XPCache) ScopeSize(scope Scope) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scopes[scope])
}

// Scopes returns the number of scopes currently held in the cache.
func (c *XPCache) Scopes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scopes)
}

// InvalidateScope drops every cached entry for the given scope. The next
// read for that scope falls through to the store.
func (c *XPCache) InvalidateScope(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, scope)
}

// BulkLoad replaces the given scope's entries with rows loaded from the
// store. Last-award timestamps are backdated so that freshly loaded users
// aren't treated as having just been awarded.
func (c *XPCache) BulkLoad(scope Scope, rows []XPRecord) {
	loadedAt := time.Now().Unix() - int64(mee6XPCooldown.Seconds())
	entries := make(map[string]CacheEntry, len(rows))
	for _, row := range rows {
		entries[row.UserID] = CacheEntry{LastAwardUnix: loadedAt, XP: row.XP}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[scope] = entries
}
