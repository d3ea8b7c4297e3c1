// Package cache implements the borrow-counted key/value cache that
// Congress carries across kernel runs. A Get returns a view into the
// stored slice; that cell is "borrowed" until the next Unborrow, and a
// Put against a borrowed cell fails rather than invalidating the view.
package cache

import "sync"

// Cache maps string keys to slices of int32. At most one kernel runs at a
// time (the session controller's global invariant), so at most one set of
// outstanding borrows ever exists; Unborrow is called exactly once, when
// that kernel terminates.
type Cache struct {
	mu    sync.Mutex
	cells map[string]*cell
}

type cell struct {
	value    []int32
	borrowed bool
}

func New() *Cache {
	return &Cache{cells: make(map[string]*cell)}
}

// Get returns a shared view of key's value. The returned slice must not be
// mutated by the caller — it aliases the cell's backing array — and
// remains valid until Unborrow is called. A missing key returns an empty,
// non-nil slice, matching the convention that "no cache entry" behaves the
// same as an empty one.
func (c *Cache) Get(key string) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ce, ok := c.cells[key]
	if !ok {
		ce = &cell{value: []int32{}}
		c.cells[key] = ce
	}
	ce.borrowed = true
	return ce.value
}

// Put replaces key's value. It fails if the cell is currently borrowed —
// i.e. a Get on this key happened since the last Unborrow — since an
// in-flight reader may still hold a pointer to the old backing array.
func (c *Cache) Put(key string, value []int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ce, ok := c.cells[key]
	if ok && ce.borrowed {
		return false
	}

	cp := make([]int32, len(value))
	copy(cp, value)
	c.cells[key] = &cell{value: cp}
	return true
}

// Unborrow releases every outstanding borrow. Called exactly once, at
// kernel termination (RunFinished/RunException), never at Session
// destruction time directly — see session.Close.
func (c *Cache) Unborrow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ce := range c.cells {
		ce.borrowed = false
	}
}
