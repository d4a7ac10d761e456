package engine

import (
	"sort"
	"sync"
	"time"
)

// SessionCache holds live sessions in memory. Expiry is evaluated lazily on
// every lookup; there is no background sweep.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: make(map[string]*Session)}
}

// Put stores a session, replacing any entry with the same ID.
func (c *SessionCache) Put(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = s
}

// Lookup returns the cached session for id. When the session has expired at
// now it is evicted and returned with expired set, so the caller can record
// the expiry.
func (c *SessionCache) Lookup(id string, now time.Time) (s *Session, expired bool, ok bool) {
	c.mu.RLock()
	s, ok = c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false, false
	}
	if s.IsExpired(now) {
		c.Evict(id)
		return s, true, true
	}
	return s, false, true
}

// Evict removes a session from the cache.
func (c *SessionCache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// ByUser returns the cached sessions owned by user, oldest first.
func (c *SessionCache) ByUser(user string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Session
	for _, s := range c.sessions {
		if s.UserID == user {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// IDs returns the IDs of all cached sessions.
func (c *SessionCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
