// Package router implements backend candidate selection, weighted sampling,
// and health tracking from spec §4.3. The circuit breaker state machine
// (closed/open/half-open, consecutive-failure threshold, cooldown) is
// generalized from the teacher's internal/proxy/circuitbreaker.go, which
// hardcoded a fixed provider list; here backends are config-defined, so
// breaker state is created lazily per backend name on first use. The
// additional active-health-check layer (health_check_healthy, independent
// of the breaker) is ported from
// original_source/src/gateway/proxy_routing.rs's BackendHealth.
package router

import (
	"sync"
	"time"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// HealthConfig tunes the circuit breaker. Zero values use the package defaults.
type HealthConfig struct {
	FailureThreshold int
	CooldownSeconds  int64
}

func (c HealthConfig) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c HealthConfig) cooldown() int64 {
	if c.CooldownSeconds > 0 {
		return c.CooldownSeconds
	}
	return 30
}

type backendState struct {
	mu sync.Mutex

	state            cbState
	consecutiveFails int
	unhealthyUntil   int64 // epoch seconds; 0 = unset
	lastError        string
	lastFailureMs    int64
	probeInflight    bool

	healthCheckHealthy   *bool
	healthCheckLastError string
	healthCheckLastMs    int64
}

// FailureKind classifies an attempt failure for circuit-breaker accounting.
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureRetryableStatus
)

// HealthTracker holds circuit-breaker and active-health-check state for
// every backend, created lazily. Safe for concurrent use.
type HealthTracker struct {
	mu       sync.RWMutex
	backends map[string]*backendState
	cfg      HealthConfig
}

func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{backends: make(map[string]*backendState), cfg: cfg}
}

func (h *HealthTracker) get(name string) *backendState {
	h.mu.RLock()
	st, ok := h.backends[name]
	h.mu.RUnlock()
	if ok {
		return st
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.backends[name]; ok {
		return st
	}
	st = &backendState{}
	h.backends[name] = st
	return st
}

// IsHealthy is the predicate from spec §4.3: healthy iff the circuit
// breaker is not open (or its cooldown has elapsed) AND the last active
// health-check probe did not explicitly report unhealthy.
func (h *HealthTracker) IsHealthy(name string, nowEpochSecs int64) bool {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.healthCheckHealthy != nil && !*st.healthCheckHealthy {
		return false
	}
	if st.state == cbOpen && nowEpochSecs < st.unhealthyUntil {
		return false
	}
	return true
}

// Allow additionally governs half-open single-probe admission, used by the
// attempt loop (distinct from IsHealthy, which only filters candidates).
func (h *HealthTracker) Allow(name string, now time.Time) bool {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.state {
	case cbClosed:
		return true
	case cbOpen:
		if now.Unix() >= st.unhealthyUntil {
			st.state = cbHalfOpen
			st.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if st.probeInflight {
			return false
		}
		st.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess clears failures and closes the breaker.
func (h *HealthTracker) RecordSuccess(name string) {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = cbClosed
	st.consecutiveFails = 0
	st.unhealthyUntil = 0
	st.lastError = ""
	st.lastFailureMs = 0
	st.probeInflight = false
}

// RecordFailure classifies kind per spec §4.3 (network errors and status >=
// 500 count toward the threshold; other statuses do not trip the breaker)
// and opens the breaker once the threshold is reached.
func (h *HealthTracker) RecordFailure(name string, kind FailureKind, status int, message string, nowEpochSecs int64) {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastError = message
	st.lastFailureMs = nowEpochSecs * 1000
	st.probeInflight = false

	shouldCount := kind == FailureNetwork || (kind == FailureRetryableStatus && status >= 500)
	if !shouldCount {
		return
	}

	st.consecutiveFails++
	if st.consecutiveFails >= h.cfg.threshold() {
		st.state = cbOpen
		st.unhealthyUntil = nowEpochSecs + h.cfg.cooldown()
	}
}

func (h *HealthTracker) RecordHealthCheckSuccess(name string, nowMs int64) {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	ok := true
	st.healthCheckHealthy = &ok
	st.healthCheckLastError = ""
	st.healthCheckLastMs = nowMs
}

func (h *HealthTracker) RecordHealthCheckFailure(name, message string, nowMs int64) {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	bad := false
	st.healthCheckHealthy = &bad
	st.healthCheckLastError = message
	st.healthCheckLastMs = nowMs
}

// Reset clears breaker state for name, used by the admin backend-health
// reset operation (spec §4.6).
func (h *HealthTracker) Reset(name string) {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = cbClosed
	st.consecutiveFails = 0
	st.unhealthyUntil = 0
	st.lastError = ""
	st.lastFailureMs = 0
	st.probeInflight = false
	st.healthCheckHealthy = nil
	st.healthCheckLastError = ""
	st.healthCheckLastMs = 0
}

// StateLabel returns the raw circuit-breaker state label, for metrics.
func (h *HealthTracker) StateLabel(name string) string {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Snapshot returns the serialisable view used by GET /admin/backends.
func (h *HealthTracker) Snapshot(name string) Snapshot {
	st := h.get(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := Snapshot{
		Backend:          name,
		ConsecutiveFails: st.consecutiveFails,
		LastError:        st.lastError,
	}
	if st.unhealthyUntil > 0 {
		snap.UnhealthyUntilEpochSecs = &st.unhealthyUntil
	}
	if st.lastFailureMs > 0 {
		snap.LastFailureTSMillis = &st.lastFailureMs
	}
	snap.HealthCheckHealthy = st.healthCheckHealthy
	snap.HealthCheckLastError = st.healthCheckLastError
	if st.healthCheckLastMs > 0 {
		snap.HealthCheckLastTSMillis = &st.healthCheckLastMs
	}
	return snap
}

// Snapshot is the plain-data view of one backend's health.
type Snapshot struct {
	Backend                 string
	ConsecutiveFails        int
	UnhealthyUntilEpochSecs *int64
	LastError               string
	LastFailureTSMillis     *int64
	HealthCheckHealthy      *bool
	HealthCheckLastError    string
	HealthCheckLastTSMillis *int64
}
