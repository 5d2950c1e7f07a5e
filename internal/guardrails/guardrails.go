// Package guardrails enforces content and model filtering before a request
// is budgeted or routed. The check ordering, the email/SSN PII patterns,
// and the deny-before-allow model matching are ported from
// original_source/src/gateway/guardrails.rs; the regex compile-at-upsert
// validation mirrors the teacher's internal/cache/exclusions.go pattern of
// rejecting bad patterns eagerly rather than at match time.
package guardrails

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
)

var (
	emailPII = regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`)
	ssnPII   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Compiled holds a GuardrailSettings with its regexes pre-compiled so the
// hot path never compiles a pattern per request.
type Compiled struct {
	mu       sync.RWMutex
	settings domain.GuardrailSettings
	regexes  []*regexp.Regexp
}

// Compile validates and compiles settings, rejecting invalid banned_regexes
// up front — spec §4.7's "invalid patterns are rejected at upsert time."
func Compile(settings domain.GuardrailSettings) (*Compiled, error) {
	regexes := make([]*regexp.Regexp, 0, len(settings.BannedRegexes))
	for _, raw := range settings.BannedRegexes {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("guardrails: invalid banned_regex %q: %w", pattern, err)
		}
		regexes = append(regexes, re)
	}
	return &Compiled{settings: settings, regexes: regexes}, nil
}

// Request is the minimal view of an inbound proxy request the guardrail
// engine needs: the (remapped-yet, still client-supplied) model name, the
// estimated input token count, and the decoded prompt text to scan.
type Request struct {
	Model       string
	InputTokens int
	Prompt      string
}

// Check runs every enabled guardrail against req in spec order: model
// allow/deny, max_input_tokens, then text filters (phrases, regexes, PII).
func (c *Compiled) Check(req Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if reason := c.checkModel(req.Model); reason != "" {
		return gatewayerr.GuardrailRejected(reason)
	}

	if c.settings.MaxInputTokens != nil && req.InputTokens > *c.settings.MaxInputTokens {
		return gatewayerr.GuardrailRejected(fmt.Sprintf("input_tokens>%d", *c.settings.MaxInputTokens))
	}

	if reason := c.checkText(req.Prompt); reason != "" {
		return gatewayerr.GuardrailRejected(reason)
	}

	return nil
}

// HasTextFilters reports whether any phrase/regex/PII filter is active —
// callers can skip decoding the prompt body entirely when this is false.
func (c *Compiled) HasTextFilters() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.settings.BannedPhrases) > 0 || len(c.regexes) > 0 || c.settings.BlockPII
}

func (c *Compiled) checkText(text string) string {
	if len(c.settings.BannedPhrases) > 0 {
		lower := strings.ToLower(text)
		for _, phrase := range c.settings.BannedPhrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(phrase)) {
				return "banned_phrase:" + phrase
			}
		}
	}

	for _, re := range c.regexes {
		if re.MatchString(text) {
			return "banned_regex:" + re.String()
		}
	}

	if c.settings.BlockPII {
		if emailPII.MatchString(text) {
			return "pii:email"
		}
		if ssnPII.MatchString(text) {
			return "pii:ssn"
		}
	}

	return ""
}

func (c *Compiled) checkModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}

	for _, pattern := range c.settings.DenyModels {
		if modelMatchesPattern(model, pattern) {
			return "deny_model:" + pattern
		}
	}

	if len(c.settings.AllowModels) > 0 {
		allowed := false
		for _, pattern := range c.settings.AllowModels {
			if modelMatchesPattern(model, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "model_not_allowed:" + model
		}
	}

	return ""
}

func modelMatchesPattern(model, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(model, prefix)
	}
	return model == pattern
}

// ValidateBannedRegexes checks that every pattern compiles, without
// constructing a Compiled value. Used by the admin key-upsert handler to
// reject bad configuration before it is ever persisted.
func ValidateBannedRegexes(patterns []string) error {
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("invalid banned_regex %q: %w", pattern, err)
		}
	}
	return nil
}
