package cache

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestResponseCache_InsertThenGet(t *testing.T) {
	c := NewResponseCache(nil)
	resp := domain.CachedProxyResponse{Status: 200, Body: []byte("hi"), Backend: "openai"}

	c.Insert("scope1", "key1", resp, 60, 10)

	got, ok := c.Get("scope1", "key1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Status != 200 || string(got.Body) != "hi" {
		t.Errorf("unexpected cached response: %+v", got)
	}
}

func TestResponseCache_TTLZeroDoesNotCache(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "key1", domain.CachedProxyResponse{Status: 200}, 0, 10)

	if _, ok := c.Get("scope1", "key1"); ok {
		t.Error("expected ttlSeconds=0 to mean do-not-cache")
	}
}

func TestResponseCache_MaxEntriesZeroDoesNotCache(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "key1", domain.CachedProxyResponse{Status: 200}, 60, 0)

	if _, ok := c.Get("scope1", "key1"); ok {
		t.Error("expected maxEntries=0 to mean do-not-cache")
	}
}

func TestResponseCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewResponseCache(clock)
	c.Insert("scope1", "key1", domain.CachedProxyResponse{Status: 200}, 10, 10)

	clock.t = clock.t.Add(11 * time.Second)
	if _, ok := c.Get("scope1", "key1"); ok {
		t.Error("expected entry to be expired")
	}
}

func TestResponseCache_EvictsOldestOverMaxEntries(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 1}, 60, 2)
	c.Insert("scope1", "b", domain.CachedProxyResponse{Status: 2}, 60, 2)
	c.Insert("scope1", "c", domain.CachedProxyResponse{Status: 3}, 60, 2)

	if _, ok := c.Get("scope1", "a"); ok {
		t.Error("expected oldest entry 'a' to have been evicted")
	}
	if _, ok := c.Get("scope1", "b"); !ok {
		t.Error("expected 'b' to still be present")
	}
	if _, ok := c.Get("scope1", "c"); !ok {
		t.Error("expected 'c' to still be present")
	}
}

func TestResponseCache_GetPromotesToMostRecentlyUsed(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 1}, 60, 2)
	c.Insert("scope1", "b", domain.CachedProxyResponse{Status: 2}, 60, 2)

	// touch "a" so it becomes most-recently-used
	c.Get("scope1", "a")
	c.Insert("scope1", "c", domain.CachedProxyResponse{Status: 3}, 60, 2)

	if _, ok := c.Get("scope1", "b"); ok {
		t.Error("expected 'b' to be evicted since 'a' was promoted by Get")
	}
	if _, ok := c.Get("scope1", "a"); !ok {
		t.Error("expected 'a' to survive since it was promoted")
	}
}

func TestResponseCache_ScopesAreIndependent(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "key1", domain.CachedProxyResponse{Status: 1}, 60, 1)
	c.Insert("scope2", "key1", domain.CachedProxyResponse{Status: 2}, 60, 1)

	got1, _ := c.Get("scope1", "key1")
	got2, _ := c.Get("scope2", "key1")
	if got1.Status != 1 || got2.Status != 2 {
		t.Error("expected independent per-scope entries under the same key")
	}
}

func TestResponseCache_PurgeRemovesSingleKey(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 1}, 60, 10)
	c.Insert("scope1", "b", domain.CachedProxyResponse{Status: 2}, 60, 10)

	if !c.Purge("scope1", "a") {
		t.Error("expected purge to report removal")
	}
	if _, ok := c.Get("scope1", "a"); ok {
		t.Error("expected 'a' to be gone")
	}
	if _, ok := c.Get("scope1", "b"); !ok {
		t.Error("expected 'b' to remain untouched")
	}
}

func TestResponseCache_PurgeAllClearsEverything(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 1}, 60, 10)
	c.Insert("scope2", "b", domain.CachedProxyResponse{Status: 2}, 60, 10)

	c.PurgeAll()

	if c.Len() != 0 {
		t.Errorf("expected empty cache after PurgeAll, got len=%d", c.Len())
	}
}

func TestResponseCache_ReinsertSameKeyMovesToBack(t *testing.T) {
	c := NewResponseCache(nil)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 1}, 60, 2)
	c.Insert("scope1", "b", domain.CachedProxyResponse{Status: 2}, 60, 2)
	c.Insert("scope1", "a", domain.CachedProxyResponse{Status: 10}, 60, 2)
	c.Insert("scope1", "c", domain.CachedProxyResponse{Status: 3}, 60, 2)

	if _, ok := c.Get("scope1", "b"); ok {
		t.Error("expected 'b' to be evicted since re-inserting 'a' moved it to the back")
	}
	got, ok := c.Get("scope1", "a")
	if !ok || got.Status != 10 {
		t.Errorf("expected 'a' to survive with updated value, got ok=%v val=%+v", ok, got)
	}
}
