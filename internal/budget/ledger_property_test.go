package budget

import (
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_SpentNeverExceedsLimit asserts budget safety: whatever mix
// of reserve/commit/rollback calls a scope sees, spent+reserved must never
// exceed a configured limit once every reservation has resolved.
func TestProperty_SpentNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := uint64(rapid.IntRange(1, 10_000).Draw(rt, "limit"))
		tr := New(nil)

		numOps := rapid.IntRange(1, 30).Draw(rt, "numOps")
		var open []*Reservation
		for i := 0; i < numOps; i++ {
			amount := uint64(rapid.IntRange(0, 5_000).Draw(rt, "amount"))
			res, err := tr.Reserve("key:k1", KindTokens, amount, &limit)
			if err != nil {
				continue // over-limit reservation correctly refused
			}
			open = append(open, res)

			// Randomly resolve some previously-open reservations.
			if len(open) > 0 && rapid.Bool().Draw(rt, "resolveOne") {
				idx := rapid.IntRange(0, len(open)-1).Draw(rt, "resolveIdx")
				r := open[idx]
				open = append(open[:idx], open[idx+1:]...)
				if rapid.Bool().Draw(rt, "commitOrRollback") {
					actual := uint64(rapid.IntRange(0, int(r.Amount)+10).Draw(rt, "actual"))
					tr.Commit(r, actual)
				} else {
					tr.Rollback(r)
				}
			}
		}
		for _, r := range open {
			tr.Rollback(r)
		}

		snap := tr.Snapshot("key:k1")
		if snap.Spent+snap.Reserved > limit {
			rt.Fatalf("spent+reserved=%d exceeded limit=%d", snap.Spent+snap.Reserved, limit)
		}
	})
}

// TestProperty_RollbackIsIdempotent asserts that rolling back the same
// reservation any number of additional times never changes the ledger
// beyond the first rollback's effect.
func TestProperty_RollbackIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := uint64(rapid.IntRange(100, 10_000).Draw(rt, "limit"))
		amount := uint64(rapid.IntRange(1, int(limit)).Draw(rt, "amount"))
		extraRollbacks := rapid.IntRange(0, 5).Draw(rt, "extraRollbacks")

		tr := New(nil)
		res, err := tr.Reserve("key:k1", KindTokens, amount, &limit)
		if err != nil {
			rt.Fatalf("unexpected reserve failure: %v", err)
		}

		tr.Rollback(res)
		after := tr.Snapshot("key:k1")

		for i := 0; i < extraRollbacks; i++ {
			tr.Rollback(res)
		}
		final := tr.Snapshot("key:k1")

		if final.Reserved != after.Reserved || final.Spent != after.Spent {
			rt.Fatalf("repeated rollback changed ledger: first=%+v final=%+v", after, final)
		}
		if final.Reserved != 0 || final.Spent != 0 {
			rt.Fatalf("rollback must release the full reservation, got %+v", final)
		}
	})
}

// TestProperty_RollbackAfterCommitIsANoOp asserts that once a reservation
// has been committed, a later Rollback call on the same reservation never
// releases additional reserved amount — the reservation row is already
// gone by the time Rollback runs.
func TestProperty_RollbackAfterCommitIsANoOp(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := uint64(rapid.IntRange(100, 10_000).Draw(rt, "limit"))
		amount := uint64(rapid.IntRange(1, int(limit)).Draw(rt, "amount"))
		actual := uint64(rapid.IntRange(0, int(amount)).Draw(rt, "actual"))

		tr := New(nil)
		res, err := tr.Reserve("key:k1", KindTokens, amount, &limit)
		if err != nil {
			rt.Fatalf("unexpected reserve failure: %v", err)
		}
		tr.Commit(res, actual)
		committed := tr.Snapshot("key:k1")

		tr.Rollback(res) // must be a no-op: reservation already closed by Commit
		afterRollback := tr.Snapshot("key:k1")

		if afterRollback.Spent != committed.Spent || afterRollback.Reserved != committed.Reserved {
			rt.Fatalf("rollback-after-commit changed ledger: committed=%+v after=%+v", committed, afterRollback)
		}
	})
}
