package store

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// MemStore is the "none" store: pure in-memory, nothing survives a restart.
// Safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	keys    []domain.VirtualKey
	records []audit.Record
	cache   map[string]cacheRow
}

type cacheRow struct {
	resp      domain.CachedProxyResponse
	expiresAt time.Time
	hasExpiry bool
}

func NewMemStore() *MemStore {
	return &MemStore{cache: make(map[string]cacheRow)}
}

func (s *MemStore) ReplaceKeys(_ context.Context, keys []domain.VirtualKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]domain.VirtualKey(nil), keys...)
	return nil
}

func (s *MemStore) LoadKeys(_ context.Context) ([]domain.VirtualKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VirtualKey(nil), s.keys...), nil
}

func (s *MemStore) AppendAudit(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemStore) ListAudit(_ context.Context, sinceTSMs, beforeTSMs int64, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, r := range s.records {
		if sinceTSMs > 0 && r.TSMillis < sinceTSMs {
			continue
		}
		if beforeTSMs > 0 && r.TSMillis >= beforeTSMs {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) LastAuditRecord(_ context.Context) (audit.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return audit.Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *MemStore) CacheGet(_ context.Context, key string) (domain.CachedProxyResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		return domain.CachedProxyResponse{}, false, nil
	}
	if row.hasExpiry && time.Now().After(row.expiresAt) {
		delete(s.cache, key)
		return domain.CachedProxyResponse{}, false, nil
	}
	return row.resp, true, nil
}

func (s *MemStore) CacheSet(_ context.Context, key string, resp domain.CachedProxyResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := cacheRow{resp: resp}
	if ttl > 0 {
		row.hasExpiry = true
		row.expiresAt = time.Now().Add(ttl)
	}
	s.cache[key] = row
	return nil
}

func (s *MemStore) CacheDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *MemStore) CacheClear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheRow)
	return nil
}

func (s *MemStore) Close() error { return nil }
