// Package store defines the pluggable persistence seam from spec §4.8 and
// §9 ("Store" capability interface selected at startup) plus three
// concrete implementations: memstore (none), filestore (embedded JSON
// snapshot), and redisstore (shared, with transactional audit appends). A
// fourth, chstore, persists the audit log to ClickHouse and keeps keys and
// the proxy cache in memory — the teacher's go.mod already declares
// clickhouse-go/v2 but no teacher code imported it; this is where it is put
// to work as the gateway's columnar/relational store option. No
// implementation persists budget or cost ledgers; the Store interface has
// no ledger facet.
package store

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// KeyStore persists the virtual-key set.
type KeyStore interface {
	ReplaceKeys(ctx context.Context, keys []domain.VirtualKey) error
	LoadKeys(ctx context.Context) ([]domain.VirtualKey, error)
}

// AuditStore persists and lists hash-chained audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec audit.Record) error
	ListAudit(ctx context.Context, sinceTSMs, beforeTSMs int64, limit int) ([]audit.Record, error)
	LastAuditRecord(ctx context.Context) (audit.Record, bool, error)
}

// ProxyCacheStore is the shared (cross-replica) tier of the response cache.
type ProxyCacheStore interface {
	CacheGet(ctx context.Context, key string) (domain.CachedProxyResponse, bool, error)
	CacheSet(ctx context.Context, key string, resp domain.CachedProxyResponse, ttl time.Duration) error
	CacheDelete(ctx context.Context, key string) error
	CacheClear(ctx context.Context) error
}

// Store is the full persistence seam the gateway core depends on. Every
// concrete backend (memstore, filestore, redisstore, chstore) implements
// all three facets; a deployment picks one at startup via config.
type Store interface {
	KeyStore
	AuditStore
	ProxyCacheStore
	Close() error
}
