// Package budget implements the two-phase token and USD-micro ledgers that
// back every virtual key's spend ceiling. The reserve/commit/rollback shape
// and the zero-amount no-op rule are ported from the prior implementation's
// BudgetTracker (original_source/src/gateway/budget.rs); the reservation
// row + reaper and the serialisable-per-scope locking are new, added to
// satisfy the gateway's multi-scope, multi-reservation request pipeline.
package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
)

// Kind distinguishes the two ledger dimensions a reservation may apply to.
type Kind int

const (
	KindTokens Kind = iota
	KindUSDMicros
)

type ledgerRow struct {
	spent    uint64
	reserved uint64
	updated  time.Time
}

// Reservation is an ephemeral pending-charge record. The handler that
// creates one must close it exactly once via Commit or Rollback before the
// response ends; Reaper force-closes reservations that outlive their
// request (crash, panic before defer, disconnect).
type Reservation struct {
	ID        string
	ScopeID   string
	Kind      Kind
	Amount    uint64
	CreatedAt time.Time
}

// Tracker holds per-scope ledgers for one kind (tokens or USD-micros) plus
// the outstanding reservation set. One Tracker instance is shared by all
// scopes; callers pass the scope id ("key:…", "project:…", …) explicitly.
type Tracker struct {
	mu           sync.Mutex
	ledgers      map[string]*ledgerRow
	reservations map[string]*Reservation
	clock        domain.Clock
}

func New(clock domain.Clock) *Tracker {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Tracker{
		ledgers:      make(map[string]*ledgerRow),
		reservations: make(map[string]*Reservation),
		clock:        clock,
	}
}

// Reserve attempts to reserve amount against scopeID's ceiling. A zero
// amount is always a no-op and never creates a ledger row, matching the
// ported "zero_spend_does_not_create_tracking_entries" behaviour. Reserving
// against a scope with no configured ceiling (limit == nil) always succeeds.
func (t *Tracker) Reserve(scopeID string, kind Kind, amount uint64, limit *uint64) (*Reservation, error) {
	if amount == 0 {
		return &Reservation{ID: uuid.New().String(), ScopeID: scopeID, Kind: kind, Amount: 0, CreatedAt: t.clock.Now()}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	row := t.ledgers[scopeID]
	if row == nil {
		row = &ledgerRow{}
	}

	if limit != nil {
		attempted := row.spent + row.reserved + amount
		if attempted > *limit {
			if kind == KindUSDMicros {
				return nil, gatewayerr.CostBudgetExceeded(*limit, attempted)
			}
			return nil, gatewayerr.BudgetExceeded(*limit, attempted)
		}
	}

	row.reserved += amount
	row.updated = t.clock.Now()
	t.ledgers[scopeID] = row

	res := &Reservation{
		ID:        uuid.New().String(),
		ScopeID:   scopeID,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: t.clock.Now(),
	}
	t.reservations[res.ID] = res
	return res, nil
}

// Commit closes a reservation, moving its amount from reserved to spent.
// When actual exceeds the original reservation, the committed amount is
// clamped to min(actual, reserved) — the policy recorded in DESIGN.md for
// spec §9's "commit-over-reserved" open question — and overflowWarn
// reports whether clamping occurred so the caller can bump a metric.
func (t *Tracker) Commit(res *Reservation, actual uint64) (overflowWarn bool) {
	if res == nil || res.Amount == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.reservations, res.ID)

	row := t.ledgers[res.ScopeID]
	if row == nil {
		row = &ledgerRow{}
		t.ledgers[res.ScopeID] = row
	}

	committed := actual
	if committed > res.Amount {
		committed = res.Amount
		overflowWarn = true
	}

	if row.reserved >= res.Amount {
		row.reserved -= res.Amount
	} else {
		row.reserved = 0
	}
	row.spent += committed
	row.updated = t.clock.Now()
	return overflowWarn
}

// Rollback releases res's reserved amount without incrementing spent.
// Idempotent: calling Rollback twice on the same id is a no-op the second
// time (the reservation row is gone), satisfying spec §8 invariant 3.
func (t *Tracker) Rollback(res *Reservation) {
	if res == nil || res.Amount == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reservations[res.ID]; !ok {
		return
	}
	delete(t.reservations, res.ID)

	row := t.ledgers[res.ScopeID]
	if row == nil {
		return
	}
	if row.reserved >= res.Amount {
		row.reserved -= res.Amount
	} else {
		row.reserved = 0
	}
	row.updated = t.clock.Now()
}

// Snapshot returns the ledger state for scopeID.
func (t *Tracker) Snapshot(scopeID string) domain.LedgerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.ledgers[scopeID]
	if row == nil {
		return domain.LedgerSnapshot{ScopeID: scopeID}
	}
	return domain.LedgerSnapshot{
		ScopeID:     scopeID,
		Spent:       row.spent,
		Reserved:    row.reserved,
		UpdatedAtMs: row.updated.UnixMilli(),
	}
}

// Snapshots returns ledger state for every scope currently tracked.
func (t *Tracker) Snapshots() []domain.LedgerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.LedgerSnapshot, 0, len(t.ledgers))
	for scope, row := range t.ledgers {
		out = append(out, domain.LedgerSnapshot{
			ScopeID:     scope,
			Spent:       row.spent,
			Reserved:    row.reserved,
			UpdatedAtMs: row.updated.UnixMilli(),
		})
	}
	return out
}

// Reap force-closes reservations older than olderThan, rolling back their
// reserved amount. When dryRun is true it only reports what would be reaped.
// Restricted by callers to a non-tenant-scoped admin token, per spec §4.2.
func (t *Tracker) Reap(olderThan time.Duration, limit int, dryRun bool) []Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-olderThan)
	var reaped []Reservation
	for id, res := range t.reservations {
		if len(reaped) >= limit && limit > 0 {
			break
		}
		if res.CreatedAt.After(cutoff) {
			continue
		}
		reaped = append(reaped, *res)
		if dryRun {
			continue
		}
		delete(t.reservations, id)
		if row := t.ledgers[res.ScopeID]; row != nil {
			if row.reserved >= res.Amount {
				row.reserved -= res.Amount
			} else {
				row.reserved = 0
			}
			row.updated = t.clock.Now()
		}
	}
	return reaped
}

// RetainScopes drops ledger rows for scopes not present in keep. The
// gateway does not call it: admin key deletion leaves the deleted key's
// ledger rows in place.
func (t *Tracker) RetainScopes(keep map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for scope := range t.ledgers {
		if !keep[scope] {
			delete(t.ledgers, scope)
		}
	}
}
