package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// FileStore is the "embedded file" store: the virtual-key set and audit log
// are snapshotted to a JSON file on every mutation. The proxy cache is kept
// purely in memory — persisting a response cache across restarts has no
// value and spec §4.8 only requires durability for keys and audit records.
// Atomicity is per-call via an in-process mutex plus write-to-temp-then-rename,
// matching spec §4.8's "atomicity is per-key; cross-key consistency is not required."
type FileStore struct {
	mu   sync.Mutex
	path string

	keys    []domain.VirtualKey
	records []audit.Record
	cache   map[string]cacheRow
}

type fileSnapshot struct {
	Keys    []domain.VirtualKey `json:"keys"`
	Records []audit.Record      `json:"records"`
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, cache: make(map[string]cacheRow)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filestore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("filestore: parse %s: %w", s.path, err)
	}
	s.keys = snap.Keys
	s.records = snap.Records
	return nil
}

// persistLocked must be called with s.mu held. It writes to a temp file in
// the same directory and renames over the target, so a crash mid-write
// never leaves a truncated snapshot.
func (s *FileStore) persistLocked() error {
	snap := fileSnapshot{Keys: s.keys, Records: s.records}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".filestore-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}

func (s *FileStore) ReplaceKeys(_ context.Context, keys []domain.VirtualKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.keys
	s.keys = append([]domain.VirtualKey(nil), keys...)
	if err := s.persistLocked(); err != nil {
		s.keys = prev
		return err
	}
	return nil
}

func (s *FileStore) LoadKeys(_ context.Context) ([]domain.VirtualKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VirtualKey(nil), s.keys...), nil
}

func (s *FileStore) AppendAudit(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if err := s.persistLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return err
	}
	return nil
}

func (s *FileStore) ListAudit(_ context.Context, sinceTSMs, beforeTSMs int64, limit int) ([]audit.Record, error) {
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

func (s *FileStore) LastAuditRecord(_ context.Context) (audit.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return audit.Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *FileStore) CacheGet(_ context.Context, key string) (domain.CachedProxyResponse, bool, error) {
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

func (s *FileStore) CacheSet(_ context.Context, key string, resp domain.CachedProxyResponse, ttl time.Duration) error {
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

func (s *FileStore) CacheDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *FileStore) CacheClear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheRow)
	return nil
}

func (s *FileStore) Close() error { return nil }
