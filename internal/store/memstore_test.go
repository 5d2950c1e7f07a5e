package store

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestMemStore_ReplaceAndLoadKeys(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	keys := []domain.VirtualKey{{ID: "k1", Token: "tok1"}, {ID: "k2", Token: "tok2"}}

	if err := s.ReplaceKeys(ctx, keys); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
}

func TestMemStore_ReplaceKeysIsFullSwap(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.ReplaceKeys(ctx, []domain.VirtualKey{{ID: "k1"}})
	s.ReplaceKeys(ctx, []domain.VirtualKey{{ID: "k2"}})

	got, _ := s.LoadKeys(ctx)
	if len(got) != 1 || got[0].ID != "k2" {
		t.Errorf("expected replace to fully swap the key set, got %+v", got)
	}
}

func TestMemStore_AppendAndListAudit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.AppendAudit(ctx, audit.Record{ID: 1, TSMillis: 100, Kind: "request"})
	s.AppendAudit(ctx, audit.Record{ID: 2, TSMillis: 200, Kind: "request"})
	s.AppendAudit(ctx, audit.Record{ID: 3, TSMillis: 300, Kind: "request"})

	got, err := s.ListAudit(ctx, 150, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected records 2 and 3 after since=150, got %d", len(got))
	}
}

func TestMemStore_ListAuditRespectsLimit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.AppendAudit(ctx, audit.Record{ID: uint64(i), TSMillis: int64(i)})
	}
	got, _ := s.ListAudit(ctx, 0, 0, 2)
	if len(got) != 2 {
		t.Errorf("expected limit to cap result at 2, got %d", len(got))
	}
}

func TestMemStore_LastAuditRecord(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if _, ok, err := s.LastAuditRecord(ctx); ok || err != nil {
		t.Fatal("expected no last record on empty store")
	}
	s.AppendAudit(ctx, audit.Record{ID: 1})
	s.AppendAudit(ctx, audit.Record{ID: 2})
	last, ok, err := s.LastAuditRecord(ctx)
	if err != nil || !ok || last.ID != 2 {
		t.Errorf("expected last record id=2, got %+v ok=%v err=%v", last, ok, err)
	}
}

func TestMemStore_CacheSetGetDelete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	resp := domain.CachedProxyResponse{Status: 200, Body: []byte("x")}

	s.CacheSet(ctx, "k1", resp, 0)
	got, ok, err := s.CacheGet(ctx, "k1")
	if err != nil || !ok || got.Status != 200 {
		t.Fatalf("expected cache hit, got %+v ok=%v err=%v", got, ok, err)
	}

	s.CacheDelete(ctx, "k1")
	if _, ok, _ := s.CacheGet(ctx, "k1"); ok {
		t.Error("expected cache miss after delete")
	}
}

func TestMemStore_CacheExpiresAfterTTL(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.CacheSet(ctx, "k1", domain.CachedProxyResponse{Status: 200}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := s.CacheGet(ctx, "k1"); ok {
		t.Error("expected entry to expire after its TTL elapsed")
	}
}

func TestMemStore_CacheClearWipesEverything(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.CacheSet(ctx, "k1", domain.CachedProxyResponse{Status: 1}, 0)
	s.CacheSet(ctx, "k2", domain.CachedProxyResponse{Status: 2}, 0)

	s.CacheClear(ctx)

	if _, ok, _ := s.CacheGet(ctx, "k1"); ok {
		t.Error("expected k1 gone after clear")
	}
	if _, ok, _ := s.CacheGet(ctx, "k2"); ok {
		t.Error("expected k2 gone after clear")
	}
}
