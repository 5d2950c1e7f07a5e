// Attempt classification generalizes the teacher's internal/proxy/failover.go
// (isRetryable/classifyError, written against a fixed provider enum) to the
// dynamic domain.Backend candidate lists SPEC_FULL.md requires.
package router

import (
	"time"
)

// Outcome records what an attempt against one backend produced, for
// consumption by HealthTracker.RecordFailure/RecordSuccess and by the
// audit/metrics layers upstream.
type Outcome struct {
	Backend    string
	Success    bool
	StatusCode int
	Err        error
	DurationMs int64
}

// ClassifyError maps a transport-level error or an upstream HTTP status
// into a FailureKind plus a retryability verdict, per spec §4.3: network
// failures and 5xx are retryable (and count toward the circuit breaker);
// 4xx other than 408/429 are not retryable and do not count toward it.
func ClassifyError(err error, status int) (kind FailureKind, retryable bool) {
	if err != nil {
		return FailureNetwork, true
	}
	switch {
	case status >= 500:
		return FailureRetryableStatus, true
	case status == 429 || status == 408:
		return FailureRetryableStatus, true
	default:
		return FailureRetryableStatus, false
	}
}

// Record applies an Outcome to the tracker: success clears breaker state;
// failure classifies and records it, keyed off the wall-clock epoch second
// the attempt concluded at.
func Record(h *HealthTracker, o Outcome, now time.Time) {
	if o.Success {
		h.RecordSuccess(o.Backend)
		return
	}
	kind, _ := ClassifyError(o.Err, o.StatusCode)
	msg := ""
	if o.Err != nil {
		msg = o.Err.Error()
	}
	h.RecordFailure(o.Backend, kind, o.StatusCode, msg, now.Unix())
}
