package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStoreFromClient(rdb), mr
}

func TestRedisStore_ReplaceAndLoadKeys(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.ReplaceKeys(ctx, []domain.VirtualKey{{ID: "k1", Token: "tok1"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "k1" {
		t.Errorf("expected persisted key set, got %+v", got)
	}
}

func TestRedisStore_LoadKeysEmptyWhenUnset(t *testing.T) {
	s, _ := newTestRedisStore(t)
	got, err := s.LoadKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no keys before any ReplaceKeys call, got %+v", got)
	}
}

func TestRedisStore_AppendAndListAuditOrdered(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := s.AppendAudit(ctx, audit.Record{ID: i, TSMillis: int64(i * 100)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListAudit(ctx, 150, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records after since=150, got %d", len(got))
	}
}

func TestRedisStore_LastAuditRecord(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	s.AppendAudit(ctx, audit.Record{ID: 1, TSMillis: 100})
	s.AppendAudit(ctx, audit.Record{ID: 2, TSMillis: 200})

	last, ok, err := s.LastAuditRecord(ctx)
	if err != nil || !ok || last.ID != 2 {
		t.Errorf("expected last record id=2, got %+v ok=%v err=%v", last, ok, err)
	}
}

func TestRedisStore_CacheSetGetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	resp := domain.CachedProxyResponse{Status: 200, Body: []byte("hi")}

	if err := s.CacheSet(ctx, "k1", resp, 0); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.CacheGet(ctx, "k1")
	if err != nil || !ok || got.Status != 200 {
		t.Fatalf("expected cache hit, got %+v ok=%v err=%v", got, ok, err)
	}

	s.CacheDelete(ctx, "k1")
	if _, ok, _ := s.CacheGet(ctx, "k1"); ok {
		t.Error("expected cache miss after delete")
	}
}

func TestRedisStore_CacheExpiresAfterTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	s.CacheSet(ctx, "k1", domain.CachedProxyResponse{Status: 1}, time.Second)

	mr.FastForward(2 * time.Second)

	if _, ok, _ := s.CacheGet(ctx, "k1"); ok {
		t.Error("expected entry to expire after TTL")
	}
}

func TestRedisStore_CacheClearRemovesOnlyCacheKeys(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	s.ReplaceKeys(ctx, []domain.VirtualKey{{ID: "k1"}})
	s.CacheSet(ctx, "a", domain.CachedProxyResponse{Status: 1}, 0)
	s.CacheSet(ctx, "b", domain.CachedProxyResponse{Status: 2}, 0)

	if err := s.CacheClear(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.CacheGet(ctx, "a"); ok {
		t.Error("expected 'a' cleared")
	}
	keys, err := s.LoadKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Errorf("expected CacheClear to leave the key set untouched, got %+v err=%v", keys, err)
	}
}
