package router

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// TestProperty_OrderCandidatesIsAPermutation asserts OrderCandidates never
// drops or duplicates a route, for any weights and any request id — it only
// ever reorders the input.
func TestProperty_OrderCandidatesIsAPermutation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		routes := make([]domain.BackendRoute, n)
		for i := range routes {
			routes[i] = domain.BackendRoute{
				Backend: []string{"a", "b", "c", "d", "e", "f", "g", "h"}[i],
				Weight:  rapid.IntRange(-2, 20).Draw(rt, "weight"),
			}
		}
		requestID := rapid.SampledFrom([]string{"req-1", "req-2", "abc", "", "zzzz-9999"}).Draw(rt, "requestID")

		ordered := OrderCandidates(routes, requestID, nil, 0)
		if len(ordered) != len(routes) {
			rt.Fatalf("expected %d routes, got %d", len(routes), len(ordered))
		}

		want := map[string]int{}
		for _, r := range routes {
			want[r.Backend]++
		}
		got := map[string]int{}
		for _, r := range ordered {
			got[r.Backend]++
		}
		for name, count := range want {
			if got[name] != count {
				rt.Fatalf("backend %q: expected count %d, got %d", name, count, got[name])
			}
		}
	})
}

// TestProperty_OrderCandidatesIsDeterministicForAFixedRequestID asserts the
// weighted draw is a pure function of (routes, requestID) — calling it
// twice with identical inputs always produces identical orderings, which is
// what lets retries of the same logical request reproduce their candidate
// order.
func TestProperty_OrderCandidatesIsDeterministicForAFixedRequestID(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		routes := make([]domain.BackendRoute, n)
		for i := range routes {
			routes[i] = domain.BackendRoute{
				Backend: []string{"a", "b", "c", "d", "e", "f", "g", "h"}[i],
				Weight:  rapid.IntRange(1, 20).Draw(rt, "weight"),
			}
		}
		requestID := rapid.SampledFrom([]string{"req-1", "req-2", "abc", "fixed-id"}).Draw(rt, "requestID")

		first := OrderCandidates(routes, requestID, nil, 0)
		second := OrderCandidates(routes, requestID, nil, 0)
		if len(first) != len(second) {
			rt.Fatalf("length mismatch between repeated calls")
		}
		for i := range first {
			if first[i].Backend != second[i].Backend {
				rt.Fatalf("non-deterministic ordering at index %d: %q vs %q", i, first[i].Backend, second[i].Backend)
			}
		}
	})
}

// TestProperty_UnhealthyRoutesAlwaysTrailHealthyOnes asserts the documented
// health-aware ordering invariant: no matter the weights or shuffle seed,
// every route the HealthTracker considers unhealthy sorts after every
// healthy route.
func TestProperty_UnhealthyRoutesAlwaysTrailHealthyOnes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := []string{"a", "b", "c", "d", "e"}
		n := rapid.IntRange(2, len(names)).Draw(rt, "n")
		routes := make([]domain.BackendRoute, n)
		unhealthySet := map[string]bool{}
		for i := 0; i < n; i++ {
			name := names[i]
			routes[i] = domain.BackendRoute{Backend: name, Weight: rapid.IntRange(1, 20).Draw(rt, "weight")}
			if rapid.Bool().Draw(rt, "markUnhealthy") {
				unhealthySet[name] = true
			}
		}
		// Leave at least one backend healthy so the shuffle has something to order.
		if len(unhealthySet) == n {
			delete(unhealthySet, routes[0].Backend)
		}

		h := NewHealthTracker(HealthConfig{FailureThreshold: 1, CooldownSeconds: 3600})
		for name := range unhealthySet {
			h.RecordFailure(name, FailureNetwork, 0, "boom", 1000)
		}

		requestID := rapid.SampledFrom([]string{"req-1", "req-2", "xyz"}).Draw(rt, "requestID")
		ordered := OrderCandidates(routes, requestID, h, 1000)
		if len(ordered) != n {
			rt.Fatalf("expected %d routes, got %d", n, len(ordered))
		}

		seenUnhealthy := false
		for _, r := range ordered {
			if unhealthySet[r.Backend] {
				seenUnhealthy = true
				continue
			}
			if seenUnhealthy {
				rt.Fatalf("healthy backend %q appears after an unhealthy one in %+v", r.Backend, ordered)
			}
		}
	})
}
