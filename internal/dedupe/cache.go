// ABOUTME: Thread-safe TTL cache for deduplicating client send requests.
// ABOUTME: Remembers send receipts by idempotency key so retries don't re-append.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Receipt is the remembered outcome of a send, replayed to the client when
// a retry reuses the same idempotency key.
type Receipt struct {
	ConversationID string
	Seq            int64
}

// cacheEntry stores the receipt, timestamp, and list element for a cached key.
// A pending entry has been claimed by an in-progress send; done is closed
// when that send settles.
type cacheEntry struct {
	receipt   Receipt
	timestamp time.Time
	element   *list.Element
	pending   bool
	done      chan struct{}
}

// Cache provides a thread-safe, TTL-based, size-limited cache mapping
// client idempotency keys to send receipts. Network-level retries of the
// same send are answered from the cache instead of appending again.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Do returns the remembered receipt for key, or runs send exactly once and
// remembers its result. The key is claimed under the lock before send runs,
// so concurrent calls with the same key collapse: one caller appends while
// the rest wait and replay its receipt. Separate Lookup/Remember calls
// around the send would leave a window where two retries both miss and both
// append. A failed send releases the key so a later retry can run again.
func (c *Cache) Do(key string, send func() (Receipt, error)) (Receipt, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
			if !entry.pending {
				receipt := entry.receipt
				c.mu.Unlock()
				return receipt, nil
			}
			settled := entry.done
			c.mu.Unlock()
			<-settled
			continue
		}
		entry := c.claimLocked(key)
		c.mu.Unlock()

		receipt, err := send()

		c.mu.Lock()
		if err != nil {
			c.releaseLocked(key, entry)
			entry.pending = false
			close(entry.done)
			c.mu.Unlock()
			return Receipt{}, err
		}
		entry.receipt = receipt
		entry.timestamp = time.Now()
		entry.pending = false
		close(entry.done)
		c.mu.Unlock()
		return receipt, nil
	}
}

// Lookup returns the remembered receipt for a key, if present and not expired.
// A key claimed by an in-progress send reads as absent.
func (c *Cache) Lookup(key string) (Receipt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || entry.pending || time.Since(entry.timestamp) >= c.ttl {
		return Receipt{}, false
	}
	return entry.receipt, true
}

// Remember records the receipt for a key. If the cache is at capacity,
// the oldest entry is evicted to make room. Remembering an existing key
// refreshes its timestamp and receipt; remembering a claimed key settles it.
func (c *Cache) Remember(key string, receipt Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.receipt = receipt
		entry.timestamp = now
		if entry.pending {
			entry.pending = false
			close(entry.done)
		}
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		receipt:   receipt,
		timestamp: now,
		element:   elem,
	}
}

// claimLocked inserts a pending entry for key, replacing any expired one.
// Must be called with mu held.
func (c *Cache) claimLocked(key string) *cacheEntry {
	if old, exists := c.seen[key]; exists {
		c.order.Remove(old.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{
		timestamp: time.Now(),
		element:   c.order.PushBack(key),
		pending:   true,
		done:      make(chan struct{}),
	}
	c.seen[key] = entry
	return entry
}

// releaseLocked drops a claimed entry after a failed send so the key can be
// retried. Must be called with mu held.
func (c *Cache) releaseLocked(key string, entry *cacheEntry) {
	if cur, ok := c.seen[key]; ok && cur == entry {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest settled entry from the cache. Pending
// entries are skipped: evicting one would let a concurrent retry run a
// second send. Must be called with mu held.
func (c *Cache) evictOldest() {
	for e := c.order.Front(); e != nil; e = e.Next() {
		key, _ := e.Value.(string)
		if entry := c.seen[key]; entry != nil && entry.pending {
			continue
		}
		c.order.Remove(e)
		delete(c.seen, key)
		return
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired settled entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if !entry.pending && now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
