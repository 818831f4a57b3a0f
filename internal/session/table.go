package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Table indexes live sessions by ID. Sessions are removed when they reach a
// terminal state; the TTL evicts and cancels sessions whose task never
// finished.
type Table struct {
	c *cache.Cache
}

// NewTable returns a table whose entries expire after ttl.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	c := cache.New(ttl, time.Minute)
	c.OnEvicted(func(_ string, v interface{}) {
		if s, ok := v.(*Session); ok {
			s.Cancel()
			s.Detach()
		}
	})
	return &Table{c: c}
}

func (t *Table) put(s *Session) {
	t.c.Set(s.id, s, cache.DefaultExpiration)
}

// remove drops s without cancelling it.
func (t *Table) remove(s *Session) {
	if v, ok := t.c.Get(s.id); ok && v == s {
		// Delete fires the eviction hook; s is terminal so Cancel is a no-op.
		t.c.Delete(s.id)
	}
}

// Get returns the live session with the given ID.
func (t *Table) Get(id string) (*Session, bool) {
	v, ok := t.c.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return t.c.ItemCount() }

// CancelAll cancels every live session. A session already delivering its
// terminal event is detached instead so shutdown never waits on a reader.
func (t *Table) CancelAll() {
	for _, item := range t.c.Items() {
		if s, ok := item.Object.(*Session); ok && !s.Cancel() {
			s.Detach()
		}
	}
}
