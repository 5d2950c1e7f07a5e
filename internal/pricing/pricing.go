// Package pricing converts estimated token counts into USD-micro cost
// estimates using a per-model rate table, per spec §4.1 step 10.
package pricing

import (
	"strings"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// Table is a concurrency-safe, hot-swappable pricing table keyed by model id.
type Table struct {
	mu      sync.RWMutex
	entries map[string]domain.PricingEntry
}

func NewTable(entries []domain.PricingEntry) *Table {
	t := &Table{entries: make(map[string]domain.PricingEntry, len(entries))}
	for _, e := range entries {
		t.entries[e.Model] = e
	}
	return t
}

func (t *Table) Replace(entries []domain.PricingEntry) {
	m := make(map[string]domain.PricingEntry, len(entries))
	for _, e := range entries {
		m[e.Model] = e
	}
	t.mu.Lock()
	t.entries = m
	t.mu.Unlock()
}

func (t *Table) Lookup(model string) (domain.PricingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[model]
	return e, ok
}

// Estimate holds a cost projection in USD-micros, split by component so
// callers can log/audit the breakdown.
type Estimate struct {
	Model            string
	InputUSDMicros   uint64
	OutputUSDMicros  uint64
	CacheReadMicros  uint64
	TotalUSDMicros   uint64
}

// EstimateCost computes a cost estimate for the maximum over the candidate
// model set (the request model plus each candidate backend's mapped model),
// per spec §4.1 step 10 ("maximise over {request_model} ∪ {mapped model per
// candidate backend}"). Returns (Estimate{}, false) if no candidate model has
// a pricing entry, meaning cost budgeting is skipped entirely for this request.
func (t *Table) EstimateCost(candidateModels []string, inputTokens, outputTokens uint64, cachedTokens uint64) (Estimate, bool) {
	var best Estimate
	found := false

	for _, model := range dedupe(candidateModels) {
		entry, ok := t.Lookup(model)
		if !ok {
			continue
		}

		billableInput := inputTokens
		cacheReadMicros := uint64(0)
		if cachedTokens > 0 && cachedTokens <= inputTokens {
			billableInput = inputTokens - cachedTokens
			cacheReadMicros = cachedTokens * entry.CacheReadUSDMicros
		}

		inputMicros := billableInput * entry.InputUSDMicrosPerToken
		outputMicros := outputTokens * entry.OutputUSDMicrosPerToken
		total := inputMicros + outputMicros + cacheReadMicros

		if entry.ServiceTierMultiplierPct > 0 {
			total = total * uint64(entry.ServiceTierMultiplierPct) / 100
		}

		if total > best.TotalUSDMicros || !found {
			best = Estimate{
				Model:           model,
				InputUSDMicros:  inputMicros,
				OutputUSDMicros: outputMicros,
				CacheReadMicros: cacheReadMicros,
				TotalUSDMicros:  total,
			}
			found = true
		}
	}

	return best, found
}

func dedupe(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
