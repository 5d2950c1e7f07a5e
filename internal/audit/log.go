package audit

import (
	"context"
	"sync"
)

// Appender is implemented by any store's audit facet.
type Appender interface {
	AppendAudit(ctx context.Context, rec Record) error
	LastAuditRecord(ctx context.Context) (Record, bool, error)
}

// Log serialises audit appends so the hash chain's sequence number and
// prev_hash linkage stay correct under concurrent admin/proxy writers,
// regardless of which Store backs persistence.
type Log struct {
	mu    sync.Mutex
	store Appender
	last  Record
	have  bool
}

func NewLog(store Appender) *Log {
	return &Log{store: store}
}

// Append builds the next record in the chain and persists it.
func (l *Log) Append(ctx context.Context, tsMillis int64, kind string, payload any) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.have {
		if last, ok, err := l.store.LastAuditRecord(ctx); err == nil && ok {
			l.last, l.have = last, true
		}
	}

	rec, err := Chain(l.last, l.have, tsMillis, kind, payload)
	if err != nil {
		return Record{}, err
	}
	if err := l.store.AppendAudit(ctx, rec); err != nil {
		return Record{}, err
	}
	l.last, l.have = rec, true
	return rec, nil
}
