// ABOUTME: Bounded TTL set of recently seen inbound message ids
// ABOUTME: Drops transport redeliveries before they reach the project queues

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// record is one remembered message id.
type record struct {
	id     string
	seenAt time.Time
}

// Cache remembers message ids for a fixed window. When full, the id seen
// longest ago is forgotten first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	byAge   *list.List // of *record, oldest at front
	window  time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache that remembers ids for window and holds at most
// maxSize of them. A background sweeper forgets expired ids once per sweep
// interval; pass 0 to disable it.
func New(window time.Duration, maxSize int, sweep time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		byAge:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweepLoop(sweep)
	}
	return c
}

// Seen reports whether id was already observed inside the window. A new id is
// remembered as a side effect, so of many concurrent callers with the same id
// exactly one gets false. Empty ids are never considered duplicates.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[id]; ok {
		rec := elem.Value.(*record)
		if now.Sub(rec.seenAt) < c.window {
			return true
		}
		// Expired: forget and treat as new.
		c.byAge.Remove(elem)
		delete(c.index, id)
	}

	for c.byAge.Len() >= c.maxSize {
		c.forgetOldest()
	}
	c.index[id] = c.byAge.PushBack(&record{id: id, seenAt: now})
	return false
}

// Len returns the number of remembered ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byAge.Len()
}

// Sweep forgets every id older than the window.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Entries are ordered by insertion time, so stop at the first live one.
	for front := c.byAge.Front(); front != nil; front = c.byAge.Front() {
		if now.Sub(front.Value.(*record).seenAt) < c.window {
			return
		}
		c.forgetOldest()
	}
}

// forgetOldest must be called with mu held.
func (c *Cache) forgetOldest() {
	front := c.byAge.Front()
	if front == nil {
		return
	}
	c.byAge.Remove(front)
	delete(c.index, front.Value.(*record).id)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
