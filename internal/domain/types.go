// Package domain holds the gateway's core data model: virtual keys, backends,
// router rules, and the small value types shared across the budget, router,
// cache, and admin packages. These types are pure data — no I/O, no locking —
// so that store implementations can serialise them directly.
package domain

import "time"

// Limits caps per-minute requests and tokens for a scope. A nil pointer
// field means "no limit"; a limit of 0 means "deny all".
type Limits struct {
	RPM *int `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	TPM *int `json:"tpm,omitempty" yaml:"tpm,omitempty"`
}

// Budget caps lifetime (or store-defined window) spend for a scope.
type Budget struct {
	TotalTokens    *uint64 `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
	TotalUSDMicros *uint64 `json:"total_usd_micros,omitempty" yaml:"total_usd_micros,omitempty"`
}

// CacheSettings controls whether and how a key's responses are cached.
type CacheSettings struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	TTLSeconds int  `json:"ttl_seconds" yaml:"ttl_seconds"`
	MaxEntries int  `json:"max_entries" yaml:"max_entries"`
}

// GuardrailSettings controls content and model filtering for a key.
type GuardrailSettings struct {
	BannedPhrases  []string `json:"banned_phrases,omitempty" yaml:"banned_phrases,omitempty"`
	BannedRegexes  []string `json:"banned_regexes,omitempty" yaml:"banned_regexes,omitempty"`
	BlockPII       bool     `json:"block_pii" yaml:"block_pii"`
	MaxInputTokens *int     `json:"max_input_tokens,omitempty" yaml:"max_input_tokens,omitempty"`
	AllowModels    []string `json:"allow_models,omitempty" yaml:"allow_models,omitempty"`
	DenyModels     []string `json:"deny_models,omitempty" yaml:"deny_models,omitempty"`
	ValidateSchema bool     `json:"validate_schema" yaml:"validate_schema"`
}

// Passthrough controls request forwarding behaviour independent of budgeting.
type Passthrough struct {
	Allow       bool `json:"allow" yaml:"allow"`
	BypassCache bool `json:"bypass_cache" yaml:"bypass_cache"`
}

// VirtualKey is the tenant-facing credential governing limits, budget,
// guardrails, routing, and cache for every request it authenticates.
type VirtualKey struct {
	ID      string `json:"id" yaml:"id"`
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	TenantID  string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	// Route pins this key to a single backend name. Empty means "use router rules".
	Route string `json:"route,omitempty" yaml:"route,omitempty"`

	Limits      Limits            `json:"limits" yaml:"limits"`
	Budget      Budget            `json:"budget" yaml:"budget"`
	Cache       CacheSettings     `json:"cache" yaml:"cache"`
	Guardrails  GuardrailSettings `json:"guardrails" yaml:"guardrails"`
	Passthrough Passthrough       `json:"passthrough" yaml:"passthrough"`
}

// Redacted returns a copy of vk with Token replaced unless includeToken is true.
func (vk VirtualKey) Redacted(includeToken bool) VirtualKey {
	if includeToken {
		return vk
	}
	vk.Token = "redacted"
	return vk
}

// Scopes returns the active budget/rate-limit scope identifiers for this key,
// in the fixed order key, project, user, tenant. Always includes "key:{id}".
func (vk VirtualKey) Scopes() []string {
	scopes := make([]string, 0, 4)
	scopes = append(scopes, "key:"+vk.ID)
	if vk.ProjectID != "" {
		scopes = append(scopes, "project:"+vk.ProjectID)
	}
	if vk.UserID != "" {
		scopes = append(scopes, "user:"+vk.UserID)
	}
	if vk.TenantID != "" {
		scopes = append(scopes, "tenant:"+vk.TenantID)
	}
	return scopes
}

// BackendRoute is one weighted candidate in a router rule or default list.
type BackendRoute struct {
	Backend string `json:"backend" yaml:"backend"`
	Weight  int    `json:"weight" yaml:"weight"`
}

// RouteRule selects a candidate pool for model names matching Prefix
// ("" or "*" matches everything, used as the catch-all).
type RouteRule struct {
	ModelPrefix string         `json:"model_prefix" yaml:"model_prefix"`
	Backends    []BackendRoute `json:"backends" yaml:"backends"`
}

// RouterConfig is the full routing table: an ordered list of prefix rules
// plus a default candidate pool used when no rule matches.
type RouterConfig struct {
	DefaultBackends []BackendRoute `json:"default_backends" yaml:"default_backends"`
	Rules           []RouteRule    `json:"rules" yaml:"rules"`
}

// Backend describes one upstream LLM endpoint.
type Backend struct {
	Name           string            `json:"name" yaml:"name"`
	BaseURL        string            `json:"base_url" yaml:"base_url"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty" yaml:"query_params,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxInFlight    int               `json:"max_in_flight" yaml:"max_in_flight"`
	// ModelMap rewrites the client-supplied model id before forwarding.
	// A "*" entry rewrites every model not otherwise matched.
	ModelMap map[string]string `json:"model_map,omitempty" yaml:"model_map,omitempty"`
	// Translator names the TranslationBackend implementation ("openai",
	// "anthropic", "gemini", "bedrock", "azure", "vertexai", "mistral", or
	// "" for a generic OpenAI-compatible passthrough).
	Translator string `json:"translator,omitempty" yaml:"translator,omitempty"`
	// StripAuthorization removes client auth headers before forwarding.
	StripAuthorization bool `json:"strip_authorization" yaml:"strip_authorization"`
}

// RewriteModel applies ModelMap to model, returning the rewritten name and
// whether a rewrite occurred.
func (b Backend) RewriteModel(model string) (string, bool) {
	if b.ModelMap == nil {
		return model, false
	}
	if to, ok := b.ModelMap[model]; ok {
		return to, true
	}
	if to, ok := b.ModelMap["*"]; ok {
		return to, true
	}
	return model, false
}

// PricingEntry gives per-token USD-micro rates for one model.
// Rates are expressed in USD-micros per token (not per million) so cost
// estimation stays integer arithmetic throughout.
type PricingEntry struct {
	Model                    string `json:"model" yaml:"model"`
	InputUSDMicrosPerToken   uint64 `json:"input_usd_micros_per_token" yaml:"input_usd_micros_per_token"`
	OutputUSDMicrosPerToken  uint64 `json:"output_usd_micros_per_token" yaml:"output_usd_micros_per_token"`
	CacheReadUSDMicros       uint64 `json:"cache_read_usd_micros_per_token" yaml:"cache_read_usd_micros_per_token"`
	CacheCreationUSDMicros   uint64 `json:"cache_creation_usd_micros_per_token" yaml:"cache_creation_usd_micros_per_token"`
	ServiceTierMultiplierPct int    `json:"service_tier_multiplier_pct" yaml:"service_tier_multiplier_pct"`
}

// BackendHealthSnapshot is the externally-visible, serialisable view of a
// backend's health state (circuit breaker + active health check).
type BackendHealthSnapshot struct {
	Backend                 string  `json:"backend"`
	ConsecutiveFailures      int     `json:"consecutive_failures"`
	UnhealthyUntilEpochSecs  *int64  `json:"unhealthy_until_epoch_seconds,omitempty"`
	LastError                string  `json:"last_error,omitempty"`
	LastFailureTSMillis      *int64  `json:"last_failure_ts_ms,omitempty"`
	HealthCheckHealthy       *bool   `json:"health_check_healthy,omitempty"`
	HealthCheckLastError     string  `json:"health_check_last_error,omitempty"`
	HealthCheckLastTSMillis  *int64  `json:"health_check_last_ts_ms,omitempty"`
}

// LedgerSnapshot is the externally-visible view of a budget or cost ledger.
type LedgerSnapshot struct {
	ScopeID      string `json:"scope_id"`
	Spent        uint64 `json:"spent"`
	Reserved     uint64 `json:"reserved"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// CachedProxyResponse is what the response cache stores and replays on a hit.
type CachedProxyResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
	Backend string            `json:"backend"`
}

// Usage is the token accounting extracted from a backend response.
type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	CachedTokens     uint64 `json:"cached_tokens"`
	ReasoningTokens  uint64 `json:"reasoning_tokens"`
}

func (u Usage) Total() uint64 {
	return u.PromptTokens + u.CompletionTokens
}

// Clock returns the current time. Production uses RealClock; tests inject
// a fake so minute-boundary and TTL logic is deterministic. Grounded in the
// source design note to inject an explicit Clock rather than call time.Now
// directly throughout budget/cache/rate-limit code.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
