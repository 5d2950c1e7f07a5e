package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
)

var routeSpecs = map[string]routeSpec{
	"chat_completions": {name: "chat_completions", kind: kindChat, policy: policyTokenBased, method: fasthttp.MethodPost},
	"completions":       {name: "completions", kind: kindGenericJSON, policy: policyTokenBased, method: fasthttp.MethodPost},
	"embeddings":        {name: "embeddings", kind: kindEmbedding, policy: policyTokenBased, method: fasthttp.MethodPost},
	"moderations":       {name: "moderations", kind: kindGenericJSON, policy: policyTokenBased, method: fasthttp.MethodPost},
	"rerank":            {name: "rerank", kind: kindGenericJSON, policy: policyTokenBased, method: fasthttp.MethodPost},
	"responses":         {name: "responses", kind: kindGenericJSON, policy: policyTokenBased, method: fasthttp.MethodPost},
	"images":            {name: "images", kind: kindGenericJSON, policy: policyUnsupported, method: fasthttp.MethodPost},
	"audio":             {name: "audio", kind: kindMultipart, policy: policyUnsupported, method: fasthttp.MethodPost},
	"files":             {name: "files", kind: kindMultipart, policy: policyFree, method: ""},
	"batches":           {name: "batches", kind: kindGenericJSON, policy: policyUnsupported, method: ""},
}

func (g *Gateway) HandleChatCompletions(ctx *fasthttp.RequestCtx) { g.proxyRequest(ctx, routeSpecs["chat_completions"]) }
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx)     { g.proxyRequest(ctx, routeSpecs["completions"]) }
func (g *Gateway) HandleEmbeddings(ctx *fasthttp.RequestCtx)      { g.proxyRequest(ctx, routeSpecs["embeddings"]) }
func (g *Gateway) HandleModerations(ctx *fasthttp.RequestCtx)     { g.proxyRequest(ctx, routeSpecs["moderations"]) }
func (g *Gateway) HandleRerank(ctx *fasthttp.RequestCtx)          { g.proxyRequest(ctx, routeSpecs["rerank"]) }
func (g *Gateway) HandleResponses(ctx *fasthttp.RequestCtx)       { g.proxyRequest(ctx, routeSpecs["responses"]) }
func (g *Gateway) HandleImages(ctx *fasthttp.RequestCtx)          { g.proxyRequest(ctx, routeSpecs["images"]) }
func (g *Gateway) HandleAudio(ctx *fasthttp.RequestCtx)           { g.proxyRequest(ctx, routeSpecs["audio"]) }
func (g *Gateway) HandleFiles(ctx *fasthttp.RequestCtx)           { g.proxyRequest(ctx, routeSpecs["files"]) }
func (g *Gateway) HandleBatches(ctx *fasthttp.RequestCtx)         { g.proxyRequest(ctx, routeSpecs["batches"]) }

func (g *Gateway) HandleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok && v != "" {
		return v
	}
	return string(ctx.Request.Header.Peek("X-Request-ID"))
}

// proxyRequest runs the full sixteen-stage pipeline for one inbound
// request, dispatching on spec to cover every endpoint in the ingress
// table with the budget/guardrail/cache treatment its policy calls for.
func (g *Gateway) proxyRequest(ctx *fasthttp.RequestCtx, spec routeSpec) {
	requestID := requestIDFrom(ctx)
	method := string(ctx.Method())
	path := pathAndQuery(ctx)

	vk, guard, err := g.authenticate(ctx)
	if err != nil {
		gatewayerr.Write(ctx, err)
		return
	}

	scopes := vk.Scopes()

	isMultipart := spec.kind == kindMultipart && strings.HasPrefix(string(ctx.Request.Header.ContentType()), "multipart/form-data")
	var body []byte
	if !isMultipart {
		body = append([]byte(nil), ctx.PostBody()...)
	}

	model := ""
	promptText := ""
	maxTokens := 0
	if !isMultipart {
		model = deriveModel(body)
		promptText, maxTokens = extractPromptAndMaxTokens(spec.kind, body)
	}

	if err := g.checkGlobalRateLimit(ctx); err != nil {
		gatewayerr.Write(ctx, err)
		return
	}

	candidates, err := g.resolveCandidates(vk, model)
	if err != nil {
		gatewayerr.Write(ctx, err)
		return
	}

	estInputTokens := 0
	if spec.policy == policyTokenBased && g.estimator != nil {
		estInputTokens = g.estimator.Count(model, promptText)
	}
	if err := g.checkRateLimits(ctx, scopes, spec.name, estInputTokens, vk.Limits, g.now()); err != nil {
		gatewayerr.Write(ctx, err)
		return
	}

	// Guardrails (spec §4.7): schema validation and content checks both
	// belong to this stage and run only after the rate-limit check, per
	// the "rate-limit check -> guardrail -> token reservation -> cost
	// reservation" ordering — a malformed body still counts against the
	// caller's rate limit before being rejected.
	if vk.Guardrails.ValidateSchema {
		if err := validateRequestShape(spec, isMultipart, body, ctx); err != nil {
			gatewayerr.Write(ctx, err)
			return
		}
	}

	if guard != nil {
		greq := guardrails.Request{Model: model, InputTokens: estInputTokens, Prompt: promptText}
		if err := guard.Check(greq); err != nil {
			if g.metrics != nil {
				if ge, ok := gatewayerr.As(err); ok {
					g.metrics.RecordGuardrailRejection(ge.Reason)
				}
			}
			gatewayerr.Write(ctx, err)
			return
		}
	}

	cacheKey := ""
	cacheable := spec.policy != policyUnsupported && vk.Cache.Enabled && !vk.Passthrough.BypassCache &&
		method == fasthttp.MethodPost && !isMultipart && !g.cacheExclusions.Matches(model)
	cacheStart := g.now()
	if cacheable {
		cacheKey = cacheKeyFor(vk.ID, method, path, body, candidates)
		if cached, ok := g.respCache.Get(vk.ID, cacheKey); ok {
			g.writeCachedResponse(ctx, cached, cacheKey, "memory")
			g.logRequest(requestID, cached.Backend, model, 0, 0, g.now().Sub(cacheStart), cached.Status, true)
			return
		}
		if g.sharedCache != nil {
			if cached, ok, _ := g.sharedCache.CacheGet(ctx, cacheKey); ok {
				g.respCache.Insert(vk.ID, cacheKey, cached, vk.Cache.TTLSeconds, vk.Cache.MaxEntries)
				g.writeCachedResponse(ctx, cached, cacheKey, "shared")
				g.logRequest(requestID, cached.Backend, model, 0, 0, g.now().Sub(cacheStart), cached.Status, true)
				return
			}
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	st := &requestState{
		ctx: ctx, requestID: requestID, path: path, method: method, body: body,
		vk: vk, guard: guard, scopes: scopes, model: model, candidates: candidates,
		cacheKey: cacheKey, cacheable: cacheable,
	}

	if spec.policy == policyTokenBased {
		inputTokens, outputTokens := g.estimateCharge(model, promptText, maxTokens)
		st.inputTokens, st.outputTokens = inputTokens, outputTokens

		candidateModels := []string{model}
		for _, c := range candidates {
			if b, ok := g.backends.Get(c.Backend); ok {
				if mapped, did := b.RewriteModel(model); did {
					candidateModels = append(candidateModels, mapped)
				}
			}
		}
		if err := g.reserveBudget(st, candidateModels); err != nil {
			gatewayerr.Write(ctx, err)
			return
		}
	}

	streamRequested := spec.kind == kindChat && wantsStream(body)

	start := g.now()
	result, err := g.fetchResult(ctx, st, spec, body, streamRequested, cacheable, cacheKey)
	if err != nil {
		g.rollbackAll(st)
		gatewayerr.Write(ctx, err)
		return
	}

	if result.Stream != nil {
		actual := uint64(st.inputTokens + st.outputTokens)
		g.commitAll(st, actual, g.estimateActualCost(result.ModelTag, st.inputTokens, st.outputTokens, 0))
		writeSSEStream(ctx, result.Stream, g.now())
		g.appendAudit(ctx, "proxy.success", map[string]any{"request_id": requestID, "backend": result.Backend, "stream": true})
		g.logRequest(requestID, result.Backend, result.ModelTag, st.inputTokens, st.outputTokens, g.now().Sub(start), fasthttp.StatusOK, false)
		return
	}

	actualTokens := result.Usage.Total()
	if actualTokens == 0 {
		actualTokens = uint64(st.inputTokens)
	}
	actualCost := g.estimateActualCost(result.ModelTag, int(result.Usage.PromptTokens), int(result.Usage.CompletionTokens), result.Usage.CachedTokens)
	if spec.policy == policyTokenBased {
		g.commitAll(st, actualTokens, actualCost)
	}

	for k, v := range result.Headers {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetStatusCode(result.Status)
	if len(ctx.Response.Header.ContentType()) == 0 {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(result.Body)

	if cacheable && result.Status >= 200 && result.Status < 300 {
		cached := domain.CachedProxyResponse{Status: result.Status, Headers: result.Headers, Body: result.Body, Backend: result.Backend}
		g.respCache.Insert(vk.ID, cacheKey, cached, vk.Cache.TTLSeconds, vk.Cache.MaxEntries)
		if g.sharedCache != nil {
			_ = g.sharedCache.CacheSet(ctx, cacheKey, cached, time.Duration(vk.Cache.TTLSeconds)*time.Second)
		}
		if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	if g.metrics != nil {
		cacheLabel := "miss"
		if !cacheable {
			cacheLabel = "bypass"
		}
		g.metrics.ObserveGatewayRequest(result.Backend, path, cacheLabel, g.now().Sub(start))
	}
	g.appendAudit(ctx, "proxy.success", map[string]any{
		"request_id": requestID, "backend": result.Backend, "status": result.Status,
		"prompt_tokens": result.Usage.PromptTokens, "completion_tokens": result.Usage.CompletionTokens,
	})
	g.logRequest(requestID, result.Backend, result.ModelTag, int(result.Usage.PromptTokens), int(result.Usage.CompletionTokens), g.now().Sub(start), result.Status, false)
}

func (g *Gateway) estimateActualCost(model string, inputTokens, outputTokens int, cachedTokens uint64) uint64 {
	if g.pricing == nil || model == "" {
		return 0
	}
	est, ok := g.pricing.EstimateCost([]string{model}, uint64(inputTokens), uint64(outputTokens), cachedTokens)
	if !ok {
		return 0
	}
	return est.TotalUSDMicros
}

func (g *Gateway) writeCachedResponse(ctx *fasthttp.RequestCtx, cached domain.CachedProxyResponse, cacheKey, source string) {
	for k, v := range cached.Headers {
		ctx.Response.Header.Set(k, v)
	}
	ctx.Response.Header.Set("X-Ditto-Cache-Key", cacheKey)
	ctx.Response.Header.Set("X-Ditto-Cache-Source", source)
	ctx.SetStatusCode(cached.Status)
	ctx.SetBody(cached.Body)
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
}

func pathAndQuery(ctx *fasthttp.RequestCtx) string {
	p := string(ctx.Path())
	if q := string(ctx.QueryArgs().QueryString()); q != "" {
		return p + "?" + q
	}
	return p
}

func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// extractPromptAndMaxTokens produces the best-effort text blob guardrails
// and token estimation scan, plus any client-declared max_tokens, across
// every JSON request shape the gateway forwards.
func extractPromptAndMaxTokens(kind requestKind, body []byte) (string, int) {
	switch kind {
	case kindChat:
		var in inboundRequest
		if err := json.Unmarshal(body, &in); err == nil {
			var sb strings.Builder
			for _, m := range in.Messages {
				sb.WriteString(m.Content)
				sb.WriteString("\n")
			}
			return sb.String(), in.MaxTokens
		}
	case kindEmbedding:
		var in inboundEmbeddingRequest
		if err := json.Unmarshal(body, &in); err == nil {
			texts, err := parseEmbeddingInput(in.Input)
			if err == nil {
				return strings.Join(texts, "\n"), 0
			}
		}
	default:
		var probe struct {
			Input     string `json:"input"`
			Prompt    string `json:"prompt"`
			MaxTokens int    `json:"max_tokens"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			text := probe.Input
			if text == "" {
				text = probe.Prompt
			}
			return text, probe.MaxTokens
		}
	}
	return "", 0
}

// validateRequestShape implements spec §4.7's validate_schema guardrail:
// minimal shape checks for known endpoints, plus the multipart
// content-type/part requirements for files and audio uploads.
func validateRequestShape(spec routeSpec, isMultipart bool, body []byte, ctx *fasthttp.RequestCtx) error {
	if isMultipart {
		return validateMultipart(ctx, spec)
	}
	switch spec.kind {
	case kindChat:
		var in inboundRequest
		if err := json.Unmarshal(body, &in); err != nil || len(in.Messages) == 0 {
			return gatewayerr.InvalidRequest("chat completions request requires a non-empty messages array")
		}
	case kindEmbedding:
		var in inboundEmbeddingRequest
		if err := json.Unmarshal(body, &in); err != nil || len(in.Input) == 0 {
			return gatewayerr.InvalidRequest("embeddings request requires an input field")
		}
	}
	return nil
}

func validateMultipart(ctx *fasthttp.RequestCtx, spec routeSpec) error {
	if !strings.HasPrefix(string(ctx.Request.Header.ContentType()), "multipart/form-data") {
		return gatewayerr.InvalidRequest(spec.name + " requires multipart/form-data")
	}
	form, err := ctx.MultipartForm()
	if err != nil {
		return gatewayerr.InvalidRequest("invalid multipart body: " + err.Error())
	}
	if len(form.File["file"]) == 0 {
		return gatewayerr.InvalidRequest(spec.name + " requires a file part")
	}
	if len(form.Value["purpose"]) == 0 && len(form.Value["model"]) == 0 {
		return gatewayerr.InvalidRequest(spec.name + " requires a purpose or model field")
	}
	return nil
}
