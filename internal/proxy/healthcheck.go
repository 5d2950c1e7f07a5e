package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// HealthChecker periodically probes every configured backend and feeds the
// result into the shared HealthTracker, independent of the circuit breaker
// the attempt loop drives on real traffic. Adapted from the teacher's
// internal/proxy/healthchecker.go polling loop, retargeted at
// domain.Backend entries instead of providers.Provider instances, and at
// router.HealthTracker instead of the teacher's componentStatus map.
type HealthChecker struct {
	gw       *Gateway
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	stop chan struct{}
}

func NewHealthChecker(gw *Gateway, interval, timeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{gw: gw, interval: interval, timeout: timeout, log: gw.log, stop: make(chan struct{})}
}

// Run blocks, probing every backend on each tick, until ctx is cancelled or
// Stop is called.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *HealthChecker) Stop() {
	close(h.stop)
}

func (h *HealthChecker) probeAll(ctx context.Context) {
	for _, backend := range h.gw.backends.All() {
		h.probe(ctx, backend)
	}
}

// probe issues a lightweight GET against the backend's base URL. A 2xx/3xx
// (or any response at all, for backends with no unauthenticated root route)
// counts as healthy; a transport failure counts as unhealthy. This is the
// "active health-check probe" half of spec §4.3's health predicate,
// independent of the circuit breaker the attempt loop maintains.
func (h *HealthChecker) probe(ctx context.Context, backend domain.Backend) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(backend.BaseURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	nowMs := h.gw.now().UnixMilli()
	err := h.gw.httpClient.DoTimeout(req, resp, h.timeout)
	if err != nil {
		h.gw.health.RecordHealthCheckFailure(backend.Name, err.Error(), nowMs)
		if h.gw.metrics != nil {
			h.gw.metrics.SetProviderHealth(backend.Name, false)
		}
		return
	}
	h.gw.health.RecordHealthCheckSuccess(backend.Name, nowMs)
	if h.gw.metrics != nil {
		h.gw.metrics.SetProviderHealth(backend.Name, true)
	}
}
