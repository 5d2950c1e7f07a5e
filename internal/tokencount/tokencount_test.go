package tokencount

import "testing"

func TestCount_EmptyTextIsZero(t *testing.T) {
	e := NewEstimator()
	if got := e.Count("gpt-4o", ""); got != 0 {
		t.Errorf("expected 0 for empty text, got %d", got)
	}
}

func TestCount_NonEmptyTextIsPositive(t *testing.T) {
	e := NewEstimator()
	got := e.Count("gpt-4o", "the quick brown fox jumps over the lazy dog")
	if got <= 0 {
		t.Errorf("expected a positive token count, got %d", got)
	}
}

func TestCount_UnknownModelFallsBackToClBase(t *testing.T) {
	e := NewEstimator()
	got := e.Count("some-unheard-of-model-xyz", "abcdefgh")
	if got <= 0 {
		t.Errorf("expected a positive count via the cl100k_base fallback encoding, got %d", got)
	}
}

func TestHeuristic_RoundsUpToAtLeastOne(t *testing.T) {
	if got := heuristic("ab"); got != 1 {
		t.Errorf("expected at least 1 token for short non-empty text, got %d", got)
	}
}

func TestCount_CachesEncodingAcrossCalls(t *testing.T) {
	e := NewEstimator()
	e.Count("gpt-4o", "warm the cache")
	if _, ok := e.cache["gpt-4o"]; !ok {
		t.Error("expected encoding to be cached after first use")
	}
}
