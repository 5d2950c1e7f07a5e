package router

import (
	"testing"
	"time"
)

func TestHealthTracker_InitialStateIsHealthy(t *testing.T) {
	h := NewHealthTracker(HealthConfig{})
	if !h.IsHealthy("alpha", 1000) {
		t.Error("unconfigured backend should start healthy")
	}
	if h.StateLabel("alpha") != "closed" {
		t.Errorf("expected closed, got %s", h.StateLabel("alpha"))
	}
}

func TestHealthTracker_OpensAfterThreshold(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 3, CooldownSeconds: 30})

	for i := 0; i < 2; i++ {
		h.RecordFailure("alpha", FailureNetwork, 0, "dial timeout", 1000)
		if h.StateLabel("alpha") != "closed" {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}
	h.RecordFailure("alpha", FailureNetwork, 0, "dial timeout", 1000)
	if h.StateLabel("alpha") != "open" {
		t.Error("should be open after reaching threshold")
	}
	if h.IsHealthy("alpha", 1000) {
		t.Error("open breaker within cooldown should not be healthy")
	}
	if h.IsHealthy("alpha", 1031) == false {
		t.Error("open breaker past cooldown should be considered healthy again")
	}
}

func TestHealthTracker_NonRetryableStatusDoesNotTripBreaker(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 2})
	for i := 0; i < 10; i++ {
		h.RecordFailure("alpha", FailureRetryableStatus, 400, "bad request", 1000)
	}
	if h.StateLabel("alpha") != "closed" {
		t.Error("4xx status below 500 should never trip the breaker")
	}
}

func TestHealthTracker_RetryableStatusTripsBreaker(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 2})
	h.RecordFailure("alpha", FailureRetryableStatus, 502, "bad gateway", 1000)
	h.RecordFailure("alpha", FailureRetryableStatus, 503, "unavailable", 1000)
	if h.StateLabel("alpha") != "open" {
		t.Error("repeated 5xx should trip the breaker")
	}
}

func TestHealthTracker_SuccessClosesBreaker(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 1})
	h.RecordFailure("alpha", FailureNetwork, 0, "boom", 1000)
	if h.StateLabel("alpha") != "open" {
		t.Fatal("expected open")
	}
	h.RecordSuccess("alpha")
	if h.StateLabel("alpha") != "closed" {
		t.Error("success should close the breaker")
	}
}

func TestHealthTracker_HealthCheckOverridesBreaker(t *testing.T) {
	h := NewHealthTracker(HealthConfig{})
	h.RecordHealthCheckFailure("alpha", "connection refused", 1000)
	if h.IsHealthy("alpha", 1000) {
		t.Error("active health check failure should mark backend unhealthy even with a closed breaker")
	}
	h.RecordHealthCheckSuccess("alpha", 2000)
	if !h.IsHealthy("alpha", 2000) {
		t.Error("a later successful probe should clear the unhealthy flag")
	}
}

func TestHealthTracker_HalfOpenAllowsOneProbe(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 1, CooldownSeconds: 10})
	h.RecordFailure("alpha", FailureNetwork, 0, "boom", 1000)

	now := time.Unix(1011, 0)
	if !h.Allow("alpha", now) {
		t.Fatal("first request after cooldown should be allowed as a probe")
	}
	if h.Allow("alpha", now) {
		t.Error("a second concurrent probe should not be allowed while one is in flight")
	}
}

func TestHealthTracker_Reset(t *testing.T) {
	h := NewHealthTracker(HealthConfig{FailureThreshold: 1})
	h.RecordFailure("alpha", FailureNetwork, 0, "boom", 1000)
	h.Reset("alpha")
	if h.StateLabel("alpha") != "closed" {
		t.Error("reset should clear breaker state")
	}
	if !h.IsHealthy("alpha", 1000) {
		t.Error("reset backend should be healthy")
	}
}
