package pricing

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

func TestEstimateCost_NoMatchingModelReturnsFalse(t *testing.T) {
	table := NewTable(nil)
	_, ok := table.EstimateCost([]string{"unknown-model"}, 100, 50, 0)
	if ok {
		t.Error("expected no estimate when no candidate model has a pricing entry")
	}
}

func TestEstimateCost_BasicArithmetic(t *testing.T) {
	table := NewTable([]domain.PricingEntry{
		{Model: "gpt-4o", InputUSDMicrosPerToken: 10, OutputUSDMicrosPerToken: 30},
	})
	est, ok := table.EstimateCost([]string{"gpt-4o"}, 100, 50, 0)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if est.InputUSDMicros != 1000 {
		t.Errorf("expected input cost 1000, got %d", est.InputUSDMicros)
	}
	if est.OutputUSDMicros != 1500 {
		t.Errorf("expected output cost 1500, got %d", est.OutputUSDMicros)
	}
	if est.TotalUSDMicros != 2500 {
		t.Errorf("expected total 2500, got %d", est.TotalUSDMicros)
	}
}

func TestEstimateCost_CacheReadDiscount(t *testing.T) {
	table := NewTable([]domain.PricingEntry{
		{Model: "gpt-4o", InputUSDMicrosPerToken: 10, OutputUSDMicrosPerToken: 30, CacheReadUSDMicros: 2},
	})
	est, ok := table.EstimateCost([]string{"gpt-4o"}, 100, 0, 40)
	if !ok {
		t.Fatal("expected an estimate")
	}
	// 60 billable tokens at 10 + 40 cached tokens at 2 = 600 + 80 = 680
	if est.InputUSDMicros != 600 {
		t.Errorf("expected billable input cost 600, got %d", est.InputUSDMicros)
	}
	if est.CacheReadMicros != 80 {
		t.Errorf("expected cache-read cost 80, got %d", est.CacheReadMicros)
	}
}

func TestEstimateCost_ServiceTierMultiplier(t *testing.T) {
	table := NewTable([]domain.PricingEntry{
		{Model: "gpt-4o", InputUSDMicrosPerToken: 100, ServiceTierMultiplierPct: 200},
	})
	est, ok := table.EstimateCost([]string{"gpt-4o"}, 10, 0, 0)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if est.TotalUSDMicros != 2000 {
		t.Errorf("expected 2x multiplier to double cost to 2000, got %d", est.TotalUSDMicros)
	}
}

func TestEstimateCost_MaximizesOverCandidates(t *testing.T) {
	table := NewTable([]domain.PricingEntry{
		{Model: "cheap", InputUSDMicrosPerToken: 1, OutputUSDMicrosPerToken: 1},
		{Model: "expensive", InputUSDMicrosPerToken: 100, OutputUSDMicrosPerToken: 100},
	})
	est, ok := table.EstimateCost([]string{"cheap", "expensive"}, 10, 10, 0)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if est.Model != "expensive" {
		t.Errorf("expected the more expensive candidate to win, got %s", est.Model)
	}
}

func TestEstimateCost_DedupesCandidateModels(t *testing.T) {
	table := NewTable([]domain.PricingEntry{
		{Model: "gpt-4o", InputUSDMicrosPerToken: 10},
	})
	est, ok := table.EstimateCost([]string{"gpt-4o", "gpt-4o", ""}, 10, 0, 0)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if est.InputUSDMicros != 100 {
		t.Errorf("expected 100, got %d", est.InputUSDMicros)
	}
}

func TestReplace_SwapsTableAtomically(t *testing.T) {
	table := NewTable([]domain.PricingEntry{{Model: "a", InputUSDMicrosPerToken: 1}})
	table.Replace([]domain.PricingEntry{{Model: "b", InputUSDMicrosPerToken: 2}})

	if _, ok := table.Lookup("a"); ok {
		t.Error("expected old entry to be gone after replace")
	}
	if _, ok := table.Lookup("b"); !ok {
		t.Error("expected new entry to be present after replace")
	}
}
