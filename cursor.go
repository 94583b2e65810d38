package inkwell

import (
	"sync"
	"time"
)

// Cursor is one open query execution a client consumes in batches: the
// root stream, the checkpoint that owns its operators and an expiry
// refreshed on every use.
type Cursor struct {
	ID         int64
	Checkpoint *PlanCheckpoint
	Stream     *DocStream
	Expiry     time.Time

	registry *CursorRegistry
}

// CursorRegistry tracks open cursors so idle ones can be pruned.
type CursorRegistry struct {
	mu      sync.Mutex
	cursors map[int64]*Cursor
	ttl     time.Duration
}

func NewCursorRegistry(ttl time.Duration) *CursorRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CursorRegistry{cursors: make(map[int64]*Cursor), ttl: ttl}
}

// Add registers a cursor under its ID, replacing any previous holder.
func (r *CursorRegistry) Add(c *Cursor) *Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.registry = r
	c.Expiry = time.Now().Add(r.ttl)
	r.cursors[c.ID] = c
	return c
}

// Get looks a cursor up and refreshes its expiry.
func (r *CursorRegistry) Get(id int64) (*Cursor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[id]
	if ok {
		c.Expiry = time.Now().Add(r.ttl)
	}
	return c, ok
}

// Pluck removes a cursor and stops its checkpoint.
func (r *CursorRegistry) Pluck(c *Cursor) {
	if c == nil {
		return
	}
	r.mu.Lock()
	delete(r.cursors, c.ID)
	r.mu.Unlock()
	c.Checkpoint.Stop()
}

// Prune removes every expired cursor and returns how many were cut.
func (r *CursorRegistry) Prune() int {
	now := time.Now()
	r.mu.Lock()
	var expired []*Cursor
	for _, c := range r.cursors {
		if now.After(c.Expiry) {
			expired = append(expired, c)
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.Pluck(c)
	}
	return len(expired)
}
