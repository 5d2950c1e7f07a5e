package router

import (
	"hash/fnv"
	"math/rand"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// Resolve picks the backend list a request should be tried against, per
// spec §4.3 step 1-2: the first rule whose ModelPrefix matches the
// requested model wins; falling back to RouterConfig.DefaultBackends when
// no rule matches or the config carries no rules at all.
func Resolve(cfg domain.RouterConfig, model string) []domain.BackendRoute {
	for _, rule := range cfg.Rules {
		if rule.ModelPrefix == "" || rule.ModelPrefix == "*" || hasPrefix(model, rule.ModelPrefix) {
			if len(rule.Backends) > 0 {
				return rule.Backends
			}
		}
	}
	return cfg.DefaultBackends
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// OrderCandidates performs the weighted-random-without-replacement draw
// from spec §4.3 step 4, seeded deterministically by requestID so retries
// of the exact same request (e.g. in tests) reproduce the same ordering,
// while two different requests with identical weights still spread load.
// Routes pointing at backends HealthTracker considers unhealthy are moved
// to the end, in original relative order, rather than dropped — the
// attempt loop still tries them last as a final-resort fallback.
func OrderCandidates(routes []domain.BackendRoute, requestID string, health *HealthTracker, nowEpochSecs int64) []domain.BackendRoute {
	if len(routes) == 0 {
		return nil
	}

	healthy := make([]domain.BackendRoute, 0, len(routes))
	unhealthy := make([]domain.BackendRoute, 0)
	for _, r := range routes {
		if health == nil || health.IsHealthy(r.Backend, nowEpochSecs) {
			healthy = append(healthy, r)
		} else {
			unhealthy = append(unhealthy, r)
		}
	}

	rng := rand.New(rand.NewSource(seedFor(requestID)))
	ordered := weightedShuffle(healthy, rng)
	return append(ordered, unhealthy...)
}

func seedFor(requestID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	return int64(h.Sum64())
}

// weightedShuffle draws without replacement: at each step, a candidate is
// picked with probability proportional to its weight among those
// remaining (the standard "efficient weighted random sampling" scheme).
// Weight <= 0 is treated as 1 so a misconfigured route is never starved
// entirely, just de-prioritized relative to its declared peers.
func weightedShuffle(routes []domain.BackendRoute, rng *rand.Rand) []domain.BackendRoute {
	remaining := append([]domain.BackendRoute(nil), routes...)
	out := make([]domain.BackendRoute, 0, len(routes))

	for len(remaining) > 0 {
		total := 0
		for _, r := range remaining {
			total += weightOf(r)
		}
		if total <= 0 {
			out = append(out, remaining...)
			break
		}
		pick := rng.Intn(total)
		idx := 0
		for i, r := range remaining {
			pick -= weightOf(r)
			if pick < 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func weightOf(r domain.BackendRoute) int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}
