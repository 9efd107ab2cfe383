package persistence

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/drblury/imbus/internal/runtime/store"
)

// entry is one buffered row plus the number of failed batch writes it has
// been part of.
type entry struct {
	row      store.Row
	attempts int
}

// cache is a bounded FIFO. Pushing onto a full cache drops the oldest entry.
type cache struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
}

func newCache(capacity int) *cache {
	return &cache{q: queue.New(), capacity: capacity}
}

// push appends entries in order and returns whatever was evicted to make room.
func (c *cache) push(entries ...entry) []entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []entry
	for _, e := range entries {
		if c.q.Length() >= c.capacity {
			evicted = append(evicted, c.q.Remove().(entry))
		}
		c.q.Add(e)
	}
	return evicted
}

// takeBatch removes exactly n entries, or nothing when fewer than n are held.
func (c *cache) takeBatch(n int) []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() < n {
		return nil
	}
	return c.removeLocked(n)
}

// take removes up to n entries.
func (c *cache) take(n int) []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(min(n, c.q.Length()))
}

func (c *cache) removeLocked(n int) []entry {
	if n <= 0 {
		return nil
	}
	out := make([]entry, n)
	for i := range out {
		out[i] = c.q.Remove().(entry)
	}
	return out
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}
