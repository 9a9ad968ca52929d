package dpop

import (
	"container/list"
	"sync"
	"time"
)

// replayCacheCapacity bounds the jti cache. Eviction is best-effort;
// correctness relies on the iat acceptance window, not on retention.
const replayCacheCapacity = 65536

type replayEntry struct {
	key     string
	seenAt  time.Time
	element *list.Element
}

// replayCache is a bounded set of (jkt, jti) pairs ordered by insertion
// time. Entries expire after the proof acceptance window.
type replayCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*replayEntry
	order    *list.List
	now      func() time.Time
}

func newReplayCache(capacity int, ttl time.Duration) *replayCache {
	return &replayCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*replayEntry),
		order:    list.New(),
		now:      time.Now,
	}
}

// Insert records (jkt, jti) and reports whether the pair was unseen within
// the window. A false return means replay.
func (c *replayCache) Insert(jkt, jti string) bool {
	key := jkt + "\x00" + jti

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.seenAt) <= c.ttl {
			return false
		}
		c.removeLocked(entry)
	}

	entry := &replayEntry{key: key, seenAt: now}
	entry.element = c.order.PushBack(entry)
	c.entries[key] = entry

	return true
}

// evictLocked drops expired entries and enforces the capacity bound,
// oldest first.
func (c *replayCache) evictLocked(now time.Time) {
	for c.order.Len() > 0 {
		front := c.order.Front().Value.(*replayEntry)
		if now.Sub(front.seenAt) <= c.ttl && c.order.Len() < c.capacity {
			break
		}
		c.removeLocked(front)
	}
}

func (c *replayCache) removeLocked(entry *replayEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, entry.key)
}
