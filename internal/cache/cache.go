// Package cache holds the most recent sensor reading alongside the outcome of
// the latest fetch attempt.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
)

// Snapshot is an immutable view of the cache.
type Snapshot struct {
	// Reading is the last successfully decoded reading, nil until the first
	// success. A later failure never clears it.
	Reading *protocol.Reading
	// Err is the error of the latest attempt, nil if it succeeded.
	Err error
	// LastSuccess is when Reading was stored.
	LastSuccess time.Time
	// LastAttempt is when the latest attempt finished.
	LastAttempt time.Time
	// Failures counts attempts failed since the last success.
	Failures int
}

// Up reports whether a reading exists and the latest attempt succeeded.
func (s Snapshot) Up() bool {
	return s.Reading != nil && s.Err == nil
}

// Cache has a single writer (the poller) and any number of readers. Readers
// never block: each update swaps in a complete new Snapshot.
type Cache struct {
	cur atomic.Pointer[Snapshot]
	now func() time.Time

	mu     sync.Mutex // serializes writers and guards subs
	subs   map[int]chan protocol.Reading
	nextID int
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{
		now:  time.Now,
		subs: make(map[int]chan protocol.Reading),
	}
	c.cur.Store(&Snapshot{})
	return c
}

// Latest returns the current snapshot.
func (c *Cache) Latest() Snapshot {
	return *c.cur.Load()
}

// Store records a successful reading and notifies subscribers.
func (c *Cache) Store(r protocol.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := r.Time
	if at.IsZero() {
		at = c.now()
	}
	c.cur.Store(&Snapshot{
		Reading:     &r,
		LastSuccess: at,
		LastAttempt: at,
	})

	for _, ch := range c.subs {
		select {
		case ch <- r:
		default:
			// Slow subscriber: it still gets a later reading.
		}
	}
}

// Fail records an attempt that failed at the given time, keeping the last
// good reading.
func (c *Cache) Fail(err error, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cur.Load()
	next := *prev
	next.Err = err
	if at.IsZero() {
		at = c.now()
	}
	next.LastAttempt = at
	next.Failures = prev.Failures + 1
	c.cur.Store(&next)
}

// Subscribe returns a channel receiving every stored reading, and a function
// that ends the subscription and closes the channel. Readings are dropped for
// a subscriber whose buffer is full.
func (c *Cache) Subscribe(buffer int) (<-chan protocol.Reading, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan protocol.Reading, buffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}
