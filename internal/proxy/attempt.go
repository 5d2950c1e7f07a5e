package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
)

// attemptResult is the outcome of trying one backend candidate, enough to
// either render a response or feed the usage-extraction/audit stages.
type attemptResult struct {
	Backend  string
	Status   int
	Headers  map[string]string
	Body     []byte
	Usage    domain.Usage
	ModelTag string
	Stream   *providers.ProxyResponse // non-nil for a streaming chat success
}

// runAttemptLoop implements spec §4.1 step 12 / §4.3: order the candidate
// list, skip unhealthy backends last rather than dropping them, try each in
// turn, and stop at the first success or the attempt cap.
func (g *Gateway) runAttemptLoop(ctx *fasthttp.RequestCtx, st *requestState, spec routeSpec, rawBody []byte, streamRequested bool) (*attemptResult, error) {
	ordered := router.OrderCandidates(st.candidates, st.requestID, g.health, g.now().Unix())
	if len(ordered) == 0 {
		return nil, gatewayerr.Backend("", "no healthy backend candidates")
	}

	maxAttempts := g.maxAttempts
	if maxAttempts <= 0 || maxAttempts > len(ordered) {
		maxAttempts = len(ordered)
	}

	var lastErr error
	var lastBackend string
	attempted := make([]string, 0, maxAttempts)

	for i := 0; i < maxAttempts; i++ {
		route := ordered[i]
		backend, ok := g.backends.Get(route.Backend)
		if !ok {
			// A translator-only "backend" (no domain.Backend entry): used
			// only via its Translator, never via httpForward.
			backend = domain.Backend{Name: route.Backend}
		}
		if g.health != nil && !g.health.Allow(backend.Name, g.now()) {
			continue
		}
		attempted = append(attempted, backend.Name)
		lastBackend = backend.Name

		start := g.now()
		result, err := g.attemptOne(ctx, backend, spec, st, rawBody, streamRequested)
		dur := g.now().Sub(start).Milliseconds()

		status := 0
		if result != nil {
			status = result.Status
		}
		success := err == nil && (result == nil || !g.retryableStatuses[result.Status])
		if g.health != nil {
			router.Record(g.health, router.Outcome{
				Backend: backend.Name, Success: success, StatusCode: status, Err: err, DurationMs: dur,
			}, g.now())
		}

		if g.metrics != nil {
			outcome := "success"
			if !success {
				outcome = "failure"
			}
			g.metrics.ObserveUpstreamAttempt(backend.Name, st.path, outcome, time.Duration(dur)*time.Millisecond)
		}

		if err != nil {
			lastErr = err
			continue
		}
		if g.retryableStatuses[result.Status] {
			lastErr = gatewayerr.Backend(backend.Name, "upstream returned retryable status")
			continue
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = gatewayerr.Backend(lastBackend, "all candidates exhausted")
	}
	g.appendAudit(context.Background(), "proxy.error", map[string]any{
		"request_id": st.requestID,
		"attempted":  attempted,
		"error":      lastErr.Error(),
	})
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(st.path)
	}
	return nil, lastErr
}

// fetchResult runs the attempt loop, collapsing concurrent identical
// requests through singleflight when the response is cacheable and not
// streamed. Streaming responses carry a live channel that cannot be shared
// across callers, so those always run their own attempt loop; everything
// else that would otherwise land on the same cache key shares one upstream
// round trip instead of stampeding the backend.
func (g *Gateway) fetchResult(ctx *fasthttp.RequestCtx, st *requestState, spec routeSpec, rawBody []byte, streamRequested, cacheable bool, cacheKey string) (*attemptResult, error) {
	if !cacheable || streamRequested || cacheKey == "" {
		return g.runAttemptLoop(ctx, st, spec, rawBody, streamRequested)
	}

	v, err, _ := g.sf.Do(cacheKey, func() (interface{}, error) {
		return g.runAttemptLoop(ctx, st, spec, rawBody, streamRequested)
	})
	if err != nil {
		return nil, err
	}
	return v.(*attemptResult), nil
}

// attemptOne dispatches a single backend try, either through its registered
// Translator (chat/embeddings, when configured) or the generic HTTP forward.
func (g *Gateway) attemptOne(ctx *fasthttp.RequestCtx, backend domain.Backend, spec routeSpec, st *requestState, rawBody []byte, streamRequested bool) (*attemptResult, error) {
	if spec.kind == kindChat {
		if tr, ok := g.translatorFor(backend); ok {
			return g.attemptChatViaTranslator(ctx, tr, backend, st, rawBody, streamRequested)
		}
	}
	if spec.kind == kindEmbedding {
		if tr, ok := g.translatorFor(backend); ok {
			return g.attemptEmbedViaTranslator(ctx, tr, backend, st, rawBody)
		}
	}
	return g.attemptViaForward(ctx, backend, st, rawBody)
}

func (g *Gateway) translatorFor(backend domain.Backend) (Translator, bool) {
	if backend.Translator == "" {
		return nil, false
	}
	tr, ok := g.translators[backend.Translator]
	return tr, ok
}

func (g *Gateway) attemptChatViaTranslator(ctx *fasthttp.RequestCtx, tr Translator, backend domain.Backend, st *requestState, rawBody []byte, streamRequested bool) (*attemptResult, error) {
	model := st.model
	if mapped, ok := backend.RewriteModel(model); ok {
		model = mapped
	}
	req, _, err := parseChatBody(rawBody, model, st.requestID)
	if err != nil {
		return nil, err
	}
	req.Stream = streamRequested

	resp, err := tr.Chat(ctx, req)
	if err != nil {
		if sc, ok := err.(providers.StatusCoder); ok {
			return &attemptResult{Backend: backend.Name, Status: sc.HTTPStatus()}, err
		}
		return nil, err
	}
	if resp.Stream != nil {
		return &attemptResult{Backend: backend.Name, Status: fasthttp.StatusOK, ModelTag: model, Stream: resp}, nil
	}
	body := renderChatResponse(resp, g.now())
	return &attemptResult{
		Backend: backend.Name, Status: fasthttp.StatusOK, Body: body, ModelTag: model,
		Usage: usageFromProvider(resp.Usage),
	}, nil
}

func (g *Gateway) attemptEmbedViaTranslator(ctx *fasthttp.RequestCtx, tr Translator, backend domain.Backend, st *requestState, rawBody []byte) (*attemptResult, error) {
	var in inboundEmbeddingRequest
	if err := json.Unmarshal(rawBody, &in); err != nil {
		return nil, gatewayerr.InvalidRequest("invalid JSON body: " + err.Error())
	}
	texts, err := parseEmbeddingInput(in.Input)
	if err != nil {
		return nil, err
	}
	model := st.model
	if mapped, ok := backend.RewriteModel(model); ok {
		model = mapped
	}
	resp, err := tr.Embed(ctx, &providers.EmbeddingRequest{Input: texts, Model: model, RequestID: st.requestID})
	if err != nil {
		if sc, ok := err.(providers.StatusCoder); ok {
			return &attemptResult{Backend: backend.Name, Status: sc.HTTPStatus()}, err
		}
		return nil, err
	}
	body := renderEmbeddingResponse(resp)
	return &attemptResult{
		Backend: backend.Name, Status: fasthttp.StatusOK, Body: body, ModelTag: model,
		Usage: usageFromProvider(resp.Usage),
	}, nil
}

// attemptViaForward handles every endpoint with no translator: the generic
// OpenAI-compatible JSON routes (completions/moderations/rerank/responses)
// and the genuinely pass-through ones (images/audio/files/batches).
func (g *Gateway) attemptViaForward(ctx *fasthttp.RequestCtx, backend domain.Backend, st *requestState, rawBody []byte) (*attemptResult, error) {
	body := rawBody
	if mapped, ok := backend.RewriteModel(st.model); ok && len(rawBody) > 0 {
		if rewritten, err := rewriteModelField(rawBody, mapped); err == nil {
			body = rewritten
		}
	}
	res, err := g.httpForward(ctx, backend, st.method, st.path, body)
	if err != nil {
		return nil, err
	}
	out := &attemptResult{Backend: backend.Name, Status: res.Status, Headers: res.Headers, Body: res.Body}
	if res.Status < 300 {
		out.Usage = extractUsage(res.Body)
	}
	return out, nil
}
