package router

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestResolve_RulePrefixMatch(t *testing.T) {
	cfg := domain.RouterConfig{
		DefaultBackends: []domain.BackendRoute{{Backend: "fallback", Weight: 1}},
		Rules: []domain.RouteRule{
			{ModelPrefix: "gpt-", Backends: []domain.BackendRoute{{Backend: "openai", Weight: 1}}},
			{ModelPrefix: "claude-", Backends: []domain.BackendRoute{{Backend: "anthropic", Weight: 1}}},
		},
	}

	got := Resolve(cfg, "gpt-4o")
	if len(got) != 1 || got[0].Backend != "openai" {
		t.Fatalf("expected openai for gpt-4o, got %+v", got)
	}

	got = Resolve(cfg, "claude-3-opus")
	if len(got) != 1 || got[0].Backend != "anthropic" {
		t.Fatalf("expected anthropic for claude-3-opus, got %+v", got)
	}

	got = Resolve(cfg, "mistral-large")
	if len(got) != 1 || got[0].Backend != "fallback" {
		t.Fatalf("expected fallback for unmatched model, got %+v", got)
	}
}

func TestOrderCandidates_UnhealthyBackendsMovedToEnd(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 1, CooldownSeconds: 3600})
	h.RecordFailure("down", FailureNetwork, 0, "boom", 1000)

	routes := []domain.BackendRoute{
		{Backend: "down", Weight: 10},
		{Backend: "up", Weight: 1},
	}
	ordered := OrderCandidates(routes, "req-1", h, 1000)
	if len(ordered) != 2 {
		t.Fatalf("expected both candidates present, got %d", len(ordered))
	}
	if ordered[len(ordered)-1].Backend != "down" {
		t.Errorf("unhealthy backend should be last, got order %+v", ordered)
	}
}

func TestOrderCandidates_DeterministicPerRequestID(t *testing.T) {
	routes := []domain.BackendRoute{
		{Backend: "a", Weight: 1},
		{Backend: "b", Weight: 1},
		{Backend: "c", Weight: 1},
	}
	first := OrderCandidates(routes, "fixed-request-id", nil, 0)
	second := OrderCandidates(routes, "fixed-request-id", nil, 0)
	if len(first) != len(second) {
		t.Fatal("lengths should match")
	}
	for i := range first {
		if first[i].Backend != second[i].Backend {
			t.Errorf("same request id should reproduce the same order, got %+v then %+v", first, second)
		}
	}
}

func TestOrderCandidates_AllWeightPresent(t *testing.T) {
	routes := []domain.BackendRoute{
		{Backend: "a", Weight: 5},
		{Backend: "b", Weight: 1},
	}
	ordered := OrderCandidates(routes, "req-weighted", nil, 0)
	seen := map[string]bool{}
	for _, r := range ordered {
		seen[r.Backend] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("both backends should appear, got %+v", ordered)
	}
}
