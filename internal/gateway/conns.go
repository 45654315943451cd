package gateway

import (
	"sync"
)

type connKey struct {
	userID int64
	device string
}

// Conns indexes live sessions by (user, device). At most one session
// per key: Add returns the session it displaced so the caller can kick
// it outside the lock.
type Conns struct {
	mu   sync.RWMutex
	byID map[connKey]*Session
}

func NewConns() *Conns {
	return &Conns{byID: make(map[connKey]*Session)}
}

// Add registers the session and returns the previous holder of the
// same (user, device) slot, if any.
func (c *Conns) Add(s *Session) *Session {
	k := connKey{userID: s.userID, device: s.device}
	c.mu.Lock()
	prev := c.byID[k]
	c.byID[k] = s
	c.mu.Unlock()
	return prev
}

// Remove unregisters the session. It reports whether s was still the
// current holder of its slot; a session displaced by a newer login
// must not tear down the newcomer's state.
func (c *Conns) Remove(s *Session) bool {
	k := connKey{userID: s.userID, device: s.device}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[k] != s {
		return false
	}
	delete(c.byID, k)
	return true
}

// Get returns the session for (user, device), or nil.
func (c *Conns) Get(userID int64, device string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[connKey{userID: userID, device: device}]
}

// ByUser returns every live session of the user.
func (c *Conns) ByUser(userID int64) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Session
	for k, s := range c.byID {
		if k.userID == userID {
			out = append(out, s)
		}
	}
	return out
}

// All snapshots every session, for shutdown drains.
func (c *Conns) All() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.byID))
	for _, s := range c.byID {
		out = append(out, s)
	}
	return out
}

func (c *Conns) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
