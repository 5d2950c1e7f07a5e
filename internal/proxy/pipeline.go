// Package proxy implements the gateway's request pipeline: the sixteen
// stages from path normalisation through audit/metrics described by the
// source design, wired against the config-driven virtual-key and backend
// model in internal/domain. The overall shape — plain fasthttp handlers, a
// Gateway struct holding every collaborator, stage methods rather than
// middleware-per-stage — follows the teacher's internal/proxy/gateway.go;
// the stages themselves implement the routing/budget/cache/guardrail model
// the teacher's single-provider dispatcher never had to.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// budgetPolicy classifies an endpoint's charge-estimation behaviour, per
// spec §4.1 step 9 and the §6 endpoint table.
type budgetPolicy int

const (
	policyTokenBased budgetPolicy = iota
	policyFree
	policyUnsupported
)

// defaultRetryableStatuses mirrors spec §4.3's retry policy defaults.
var defaultRetryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// GatewayOptions bundles every collaborator the pipeline needs. Mirrors the
// teacher's GatewayOptions struct in shape: one flat struct the app package
// fills in and hands to NewGateway.
type GatewayOptions struct {
	Keys        *KeyIndex
	Backends    *BackendRegistry
	Pricing     *pricing.Table
	Health      *router.HealthTracker
	TokenLedger *budget.Tracker
	CostLedger  *budget.Tracker
	RateLimiter ratelimit.Limiter
	RespCache   *cache.ResponseCache
	SharedCache store.ProxyCacheStore // optional
	Estimator   *tokencount.Estimator
	AuditLog    *audit.Log
	Metrics     *metrics.Registry
	HTTPClient  *fasthttp.Client
	Translators map[string]Translator // backend.Translator name -> Translator
	Clock       domain.Clock
	Log         *slog.Logger
	ReqLogger   *logger.Logger        // optional: non-blocking per-request metrics log
	GlobalRPM   *ratelimit.RPMLimiter // optional: global first-line RPM guard, ahead of per-scope limits

	DefaultMaxOutputTokens int
	RetryableStatuses      map[int]bool
	MaxAttempts            int // 0 = try every ordered candidate
	CORSOrigins            []string
	CacheExclusions        *cache.ExclusionList // optional: models never cached regardless of key settings
}

// Gateway holds every collaborator the request pipeline depends on. All
// fields are safe for concurrent use by many in-flight requests; none of
// them are mutated by Gateway itself except through their own locking.
type Gateway struct {
	keys        *KeyIndex
	backends    *BackendRegistry
	pricing     *pricing.Table
	health      *router.HealthTracker
	tokenLedger *budget.Tracker
	costLedger  *budget.Tracker
	rateLimiter ratelimit.Limiter
	respCache   *cache.ResponseCache
	sharedCache store.ProxyCacheStore
	estimator   *tokencount.Estimator
	auditLog    *audit.Log
	metrics     *metrics.Registry
	httpClient  *fasthttp.Client
	translators map[string]Translator
	clock       domain.Clock
	log         *slog.Logger
	reqLogger   *logger.Logger
	globalRPM   *ratelimit.RPMLimiter

	// sf collapses concurrent identical cache-key misses into one upstream
	// call, per SPEC_FULL.md's cache-stampede guidance; unrelated keys never
	// block each other since singleflight keys on the cache key string.
	sf singleflight.Group

	defaultMaxOutputTokens int
	retryableStatuses      map[int]bool
	maxAttempts            int
	corsOrigins            []string
	cacheExclusions        *cache.ExclusionList
}

func NewGateway(opts GatewayOptions) *Gateway {
	clock := opts.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	retryable := opts.RetryableStatuses
	if retryable == nil {
		retryable = defaultRetryableStatuses
	}
	defaultMaxOut := opts.DefaultMaxOutputTokens
	if defaultMaxOut <= 0 {
		defaultMaxOut = 256
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &fasthttp.Client{}
	}
	return &Gateway{
		keys:                   opts.Keys,
		backends:               opts.Backends,
		pricing:                opts.Pricing,
		health:                 opts.Health,
		tokenLedger:            opts.TokenLedger,
		costLedger:             opts.CostLedger,
		rateLimiter:            opts.RateLimiter,
		respCache:              opts.RespCache,
		sharedCache:            opts.SharedCache,
		estimator:              opts.Estimator,
		auditLog:               opts.AuditLog,
		metrics:                opts.Metrics,
		httpClient:             httpClient,
		translators:            opts.Translators,
		clock:                  clock,
		log:                    log,
		reqLogger:              opts.ReqLogger,
		globalRPM:              opts.GlobalRPM,
		defaultMaxOutputTokens: defaultMaxOut,
		retryableStatuses:      retryable,
		maxAttempts:            opts.MaxAttempts,
		corsOrigins:            opts.CORSOrigins,
		cacheExclusions:        opts.CacheExclusions,
	}
}

// requestKind distinguishes how a route's body is parsed/translated and how
// its response is rendered, independent of its budgetPolicy.
type requestKind int

const (
	kindChat requestKind = iota
	kindEmbedding
	kindGenericJSON
	kindMultipart
)

// routeSpec configures one exposed endpoint for proxyRequest.
type routeSpec struct {
	name   string
	kind   requestKind
	policy budgetPolicy
	method string
}

// reservation tracks one acquired budget/cost reservation so the pipeline
// can roll every one of them back atomically on a later failure.
type acquiredReservation struct {
	res  *budget.Reservation
	kind budget.Kind
}

// requestState threads per-request data between pipeline stages without
// a dozen positional parameters.
type requestState struct {
	ctx        context.Context
	requestID  string
	path       string
	method     string
	body       []byte
	vk         domain.VirtualKey
	authed     bool
	guard      *guardrails.Compiled
	scopes     []string
	model      string
	candidates []domain.BackendRoute
	cacheKey   string
	cacheable  bool

	inputTokens  int
	outputTokens int

	reservations []acquiredReservation
}

func (g *Gateway) now() time.Time { return g.clock.Now() }

// authenticate resolves the caller's virtual key from Authorization/
// x-api-key, per spec §4.1 step 3. If no keys are configured at all, every
// request is allowed unauthenticated with a synthetic anonymous key.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (domain.VirtualKey, *guardrails.Compiled, error) {
	token := bearerOrAPIKey(ctx)

	if g.keys == nil || len(g.keys.Snapshot()) == 0 {
		return domain.VirtualKey{ID: "anonymous", Enabled: true}, nil, nil
	}

	vk, guard, ok := g.keys.Lookup(token)
	if !ok {
		return domain.VirtualKey{}, nil, gatewayerr.Unauthorized("invalid or missing API key")
	}
	return vk, guard, nil
}

func bearerOrAPIKey(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	if v := string(ctx.Request.Header.Peek("X-Api-Key")); v != "" {
		return v
	}
	if v := string(ctx.Request.Header.Peek("X-Litellm-Api-Key")); v != "" {
		return v
	}
	return auth
}

// deriveModel extracts the "model" field from a JSON body, best-effort.
func deriveModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}

// resolveCandidates applies spec §4.3 steps 1-2: a key-pinned route wins
// outright; otherwise the router rules decide the candidate pool.
func (g *Gateway) resolveCandidates(vk domain.VirtualKey, model string) ([]domain.BackendRoute, error) {
	if vk.Route != "" {
		if _, ok := g.backends.Get(vk.Route); !ok {
			if _, ok := g.translators[vk.Route]; !ok {
				return nil, gatewayerr.BackendNotFound(vk.Route)
			}
		}
		return []domain.BackendRoute{{Backend: vk.Route, Weight: 1}}, nil
	}
	routes := router.Resolve(g.backends.RouterConfig(), model)
	if len(routes) == 0 {
		return nil, gatewayerr.Backend("", "no backend configured for model "+model)
	}
	return routes, nil
}

// cacheKeyFor builds the deterministic hash from spec §4.1 step 8: key id,
// method, canonical path, body bytes, and the candidate backend names in
// the order given. Because the key id is hashed, two virtual keys never
// share a cache entry.
func cacheKeyFor(keyID, method, path string, body []byte, candidates []domain.BackendRoute) string {
	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	h.Write([]byte{0})
	for _, c := range candidates {
		h.Write([]byte(c.Backend))
		h.Write([]byte{','})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// estimateCharge implements spec §4.1 step 9: a character/BPE-heuristic
// input-token count plus a configured default for output tokens when the
// client didn't supply max_tokens.
func (g *Gateway) estimateCharge(model, promptText string, requestMaxTokens int) (inputTokens, outputTokens int) {
	inputTokens = g.estimator.Count(model, promptText)
	outputTokens = requestMaxTokens
	if outputTokens <= 0 {
		outputTokens = g.defaultMaxOutputTokens
	}
	return inputTokens, outputTokens
}

// reserveBudget implements spec §4.1 step 11 and §4.2: reserve tokens on
// every active scope, then cost on every active scope only if every token
// reservation succeeded, rolling back everything already acquired on the
// first failure.
func (g *Gateway) reserveBudget(st *requestState, candidateModels []string) error {
	if g.tokenLedger == nil && g.costLedger == nil {
		return nil
	}
	totalTokens := uint64(st.inputTokens + st.outputTokens)

	if g.tokenLedger != nil && st.vk.Budget.TotalTokens != nil {
		for _, scope := range st.scopes {
			res, err := g.tokenLedger.Reserve(scope, budget.KindTokens, totalTokens, st.vk.Budget.TotalTokens)
			if err != nil {
				g.rollbackAll(st)
				if g.metrics != nil {
					g.metrics.RecordBudgetReservation("tokens", "denied")
				}
				return err
			}
			st.reservations = append(st.reservations, acquiredReservation{res: res, kind: budget.KindTokens})
			if g.metrics != nil {
				g.metrics.RecordBudgetReservation("tokens", "ok")
			}
		}
	}

	if g.costLedger != nil && st.vk.Budget.TotalUSDMicros != nil && g.pricing != nil {
		estimate, ok := g.pricing.EstimateCost(candidateModels, uint64(st.inputTokens), uint64(st.outputTokens), 0)
		if ok {
			for _, scope := range st.scopes {
				res, err := g.costLedger.Reserve(scope, budget.KindUSDMicros, estimate.TotalUSDMicros, st.vk.Budget.TotalUSDMicros)
				if err != nil {
					g.rollbackAll(st)
					if g.metrics != nil {
						g.metrics.RecordBudgetReservation("cost", "denied")
					}
					return err
				}
				st.reservations = append(st.reservations, acquiredReservation{res: res, kind: budget.KindUSDMicros})
				if g.metrics != nil {
					g.metrics.RecordBudgetReservation("cost", "ok")
				}
			}
		}
	}
	return nil
}

func (g *Gateway) rollbackAll(st *requestState) {
	for _, r := range st.reservations {
		g.ledgerFor(r.kind).Rollback(r.res)
	}
	st.reservations = nil
}

// commitAll finalises every reservation with the actual observed usage, per
// spec §4.2's commit(min(actual, reserved)) policy.
func (g *Gateway) commitAll(st *requestState, actualTokens uint64, actualCostMicros uint64) {
	for _, r := range st.reservations {
		if r.kind == budget.KindTokens {
			g.tokenLedger.Commit(r.res, actualTokens)
		} else {
			g.costLedger.Commit(r.res, actualCostMicros)
		}
	}
	st.reservations = nil
}

func (g *Gateway) ledgerFor(kind budget.Kind) *budget.Tracker {
	if kind == budget.KindTokens {
		return g.tokenLedger
	}
	return g.costLedger
}

// checkGlobalRateLimit enforces a single gateway-wide requests-per-minute
// ceiling ahead of the per-scope checks — a cheap first-line defence
// against a single runaway client saturating every scope's own limiter.
// A nil globalRPM (no Redis, or RateLimit.RPMLimit unset) is always a no-op.
func (g *Gateway) checkGlobalRateLimit(ctx context.Context) error {
	if g.globalRPM == nil {
		return nil
	}
	allowed, err := g.globalRPM.Allow(ctx)
	if err != nil || allowed {
		return nil
	}
	return gatewayerr.RateLimited("global", "global requests-per-minute limit exceeded")
}

// checkRateLimits implements spec §4.1 step 5: every active scope must
// allow the request under its own (scope, route, minute) window.
func (g *Gateway) checkRateLimits(ctx context.Context, scopes []string, route string, tokens int, limits domain.Limits, now time.Time) error {
	if g.rateLimiter == nil {
		return nil
	}
	for _, scope := range scopes {
		if err := g.rateLimiter.Allow(ctx, scope, route, tokens, limits, now); err != nil {
			if g.metrics != nil {
				g.metrics.RecordRateLimitDenied(scope)
			}
			return err
		}
	}
	return nil
}

// logRequest emits one non-blocking request-metrics log entry, tolerating a
// nil reqLogger (e.g. in tests, or when the logger's channel is saturated).
func (g *Gateway) logRequest(requestID, backend, model string, inputTokens, outputTokens int, latency time.Duration, status int, cached bool) {
	if g.reqLogger == nil {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	g.reqLogger.Log(logger.RequestLog{
		ID:           id,
		Provider:     backend,
		Model:        model,
		InputTokens:  clampUint32(inputTokens),
		OutputTokens: clampUint32(outputTokens),
		LatencyMs:    clampUint16(latency.Milliseconds()),
		Status:       clampUint16(int64(status)),
		Cached:       cached,
		CreatedAt:    g.now(),
	})
}

func clampUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if v > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

func clampUint16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > int64(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(v)
}

// appendAudit writes one audit record, tolerating a nil audit log (e.g. in
// tests that don't care about the chain).
func (g *Gateway) appendAudit(ctx context.Context, kind string, payload any) {
	if g.auditLog == nil {
		return
	}
	if _, err := g.auditLog.Append(ctx, g.now().UnixMilli(), kind, payload); err != nil {
		g.log.Error("audit_append_failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
