package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestFileStore_PersistsKeysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.ReplaceKeys(ctx, []domain.VirtualKey{{ID: "k1", Token: "tok1"}}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.LoadKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "k1" {
		t.Errorf("expected reopened store to load persisted keys, got %+v", got)
	}
}

func TestFileStore_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	got, _ := s.LoadKeys(context.Background())
	if len(got) != 0 {
		t.Errorf("expected empty key set, got %+v", got)
	}
}

func TestFileStore_PersistsAuditRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.AppendAudit(ctx, audit.Record{ID: 1, TSMillis: 100}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	records, err := s2.ListAudit(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != 1 {
		t.Errorf("expected persisted audit record, got %+v", records)
	}
}

func TestFileStore_CacheIsNotPersistedAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s1.CacheSet(ctx, "k1", domain.CachedProxyResponse{Status: 200}, 0)

	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s2.CacheGet(ctx, "k1"); ok {
		t.Error("expected the response cache to be in-memory only, not persisted across reopen")
	}
}
