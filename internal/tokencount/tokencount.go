// Package tokencount estimates input token counts for budgeting and
// guardrail enforcement. Spec §4.1 asks for "a character-length heuristic
// when exact count unavailable"; this package prefers a real BPE count via
// tiktoken-go (seen used for exactly this purpose in the wider example
// corpus). A model with no known encoding is counted with cl100k_base; the
// heuristic is used only when no encoding can be loaded at all.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates English-language token density when no exact
// encoder is available for a model.
const charsPerToken = 4

// Estimator counts tokens for a given model, caching compiled encodings
// since tiktoken-go's encoding construction is not free.
type Estimator struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count for text under model's encoding, or under
// cl100k_base when the model is unknown, falling back to a character-length
// heuristic only when neither encoding can be loaded.
func (e *Estimator) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.cache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil || enc == nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.cache[model] = nil
			return nil
		}
	}
	e.cache[model] = enc
	return enc
}

func heuristic(text string) int {
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
