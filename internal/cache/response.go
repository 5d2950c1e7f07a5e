// Package cache also provides the tiered response cache described in spec
// §4.5. The per-scope FIFO+TTL structure, the "promote on get" re-queue,
// and the insert-time expire-then-evict ordering are ported from
// original_source/src/gateway/cache.rs. Per spec §9's explicit guidance we
// do NOT replicate the degenerate bug where inserting into a scope with
// ttl=0 or max_entries=0 can drop the just-inserted entry via the
// empty-scope cleanup: ResponseCache.Insert returns immediately in that
// case instead.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

type responseEntry struct {
	key       string
	response  domain.CachedProxyResponse
	expiresAt time.Time
	hasExpiry bool
}

type scopedCache struct {
	entries map[string]*list.Element // key -> element in order
	order   *list.List               // front = oldest, back = most recent
}

// ResponseCache is the in-memory tier: per-scope FIFO with TTL expiry and
// max_entries eviction. A "scope" is typically a virtual key id so that one
// tenant's cache cannot evict another's.
type ResponseCache struct {
	mu     sync.Mutex
	scopes map[string]*scopedCache
	clock  domain.Clock
}

func NewResponseCache(clock domain.Clock) *ResponseCache {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &ResponseCache{scopes: make(map[string]*scopedCache), clock: clock}
}

// Get returns the cached response for (scope, key) and promotes it to the
// most-recently-used position. Expired entries are removed lazily and
// reported as a miss.
func (c *ResponseCache) Get(scope, key string) (domain.CachedProxyResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.scopes[scope]
	if sc == nil {
		return domain.CachedProxyResponse{}, false
	}
	el, ok := sc.entries[key]
	if !ok {
		return domain.CachedProxyResponse{}, false
	}
	entry := el.Value.(*responseEntry)

	now := c.clock.Now()
	if entry.hasExpiry && !now.Before(entry.expiresAt) {
		sc.order.Remove(el)
		delete(sc.entries, key)
		if len(sc.entries) == 0 {
			delete(c.scopes, scope)
		}
		return domain.CachedProxyResponse{}, false
	}

	sc.order.MoveToBack(el)
	return entry.response, true
}

// Insert stores resp under (scope, key) with the given TTL (0 = no expiry
// is NOT the same as "do not cache" — ttlSeconds==0 itself means "do not
// cache", per spec §4.5) and evicts from the front until maxEntries holds.
func (c *ResponseCache) Insert(scope, key string, resp domain.CachedProxyResponse, ttlSeconds, maxEntries int) {
	if ttlSeconds == 0 || maxEntries == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	sc := c.scopes[scope]
	if sc == nil {
		sc = &scopedCache{entries: make(map[string]*list.Element), order: list.New()}
		c.scopes[scope] = sc
	}

	entry := &responseEntry{key: key, response: resp}
	if ttlSeconds > 0 {
		entry.hasExpiry = true
		entry.expiresAt = now.Add(time.Duration(ttlSeconds) * time.Second)
	}

	if existing, ok := sc.entries[key]; ok {
		sc.order.Remove(existing)
	}
	el := sc.order.PushBack(entry)
	sc.entries[key] = el

	for sc.order.Len() > 0 {
		front := sc.order.Front()
		fe := front.Value.(*responseEntry)
		if !fe.hasExpiry || now.Before(fe.expiresAt) {
			break
		}
		sc.order.Remove(front)
		delete(sc.entries, fe.key)
	}

	for sc.order.Len() > maxEntries {
		front := sc.order.Front()
		fe := front.Value.(*responseEntry)
		sc.order.Remove(front)
		delete(sc.entries, fe.key)
	}

	if len(sc.entries) == 0 {
		delete(c.scopes, scope)
	}
}

// Purge removes one key from scope. Returns true if an entry was removed.
func (c *ResponseCache) Purge(scope, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.scopes[scope]
	if sc == nil {
		return false
	}
	el, ok := sc.entries[key]
	if !ok {
		return false
	}
	sc.order.Remove(el)
	delete(sc.entries, key)
	if len(sc.entries) == 0 {
		delete(c.scopes, scope)
	}
	return true
}

// PurgeAll clears every scope.
func (c *ResponseCache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = make(map[string]*scopedCache)
}

// Len returns the number of cached entries across all scopes (for tests/metrics).
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sc := range c.scopes {
		n += len(sc.entries)
	}
	return n
}
