package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Translator is the seam between the gateway's OpenAI-compatible wire
// format and a specific upstream's native shape. Deep per-vendor request
// and response translation (Anthropic Messages, Google GenAI, Bedrock,
// Vertex) is out of scope for the gateway core; each implementation lives
// in its own internal/providers/<name> package and is wired in here only
// behind this interface, exactly the "external collaborator" shape the
// source design calls for.
type Translator interface {
	Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
	Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

// providerTranslator adapts a providers.Provider (and, optionally, a
// providers.EmbeddingProvider) to the Translator seam.
type providerTranslator struct {
	prov providers.Provider
}

// NewProviderTranslator wraps an internal/providers client so it can be
// registered on a Gateway's translators map under a backend's Translator
// name.
func NewProviderTranslator(prov providers.Provider) Translator {
	return &providerTranslator{prov: prov}
}

func (p *providerTranslator) Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return p.prov.Request(ctx, req)
}

func (p *providerTranslator) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	ep, ok := p.prov.(providers.EmbeddingProvider)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindBackend, p.prov.Name()+" does not support embeddings")
	}
	return ep.Embed(ctx, req)
}

// inboundRequest is the subset of the OpenAI chat/completions request
// body the translator needs. Adapted from the teacher's
// internal/proxy/gateway.go inboundRequest.
type inboundRequest struct {
	Model       string                     `json:"model"`
	Messages    []providers.Message        `json:"messages"`
	Stream      bool                       `json:"stream"`
	Temperature float64                    `json:"temperature"`
	MaxTokens   int                        `json:"max_tokens"`
}

type outboundChoice struct {
	Index        int                  `json:"index"`
	Message      providers.Message    `json:"message"`
	FinishReason string               `json:"finish_reason"`
}

type outboundResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []outboundChoice       `json:"choices"`
	Usage   map[string]int         `json:"usage"`
}

// parseChatBody decodes an OpenAI chat/completions (or legacy completions)
// body into a ProxyRequest, overriding Model with the already
// route-resolved/remapped name.
func parseChatBody(body []byte, model, requestID string) (*providers.ProxyRequest, bool, error) {
	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, false, gatewayerr.InvalidRequest("invalid JSON body: " + err.Error())
	}
	return &providers.ProxyRequest{
		Model:       model,
		Messages:    in.Messages,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		RequestID:   requestID,
	}, in.Stream, nil
}

// promptText concatenates every message's content. The request handlers
// do not call it; they take prompt text from extractPromptAndMaxTokens.
func promptText(req *providers.ProxyRequest) string {
	out := ""
	for _, m := range req.Messages {
		out += m.Content + "\n"
	}
	return out
}

// renderChatResponse serialises a non-streaming ProxyResponse back into
// OpenAI chat/completions shape.
func renderChatResponse(resp *providers.ProxyResponse, now time.Time) []byte {
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: map[string]int{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

// writeSSEStream drains resp.Stream, writing and flushing each chunk as an
// OpenAI-compatible SSE "data:" line as soon as it is received. It adds no
// buffering bound of its own: how far the provider goroutine can run ahead
// of the client write is set by the stream channel, which the providers in
// internal/providers create with room for 64 chunks.
// On early client disconnect the loop exits and the provider's goroutine
// is left to finish draining on its own; it does not block this handler.
func writeSSEStream(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, now time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		id := resp.ID
		model := resp.Model
		for chunk := range resp.Stream {
			frame := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": now.Unix(),
				"model":   model,
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]string{"content": chunk.Content},
				}},
			}
			if chunk.FinishReason != "" {
				frame["choices"].([]map[string]any)[0]["finish_reason"] = chunk.FinishReason
			}
			data, _ := json.Marshal(frame)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		_, _ = w.WriteString("data: [DONE]\n\n")
		_ = w.Flush()
	})
}

// inboundEmbeddingRequest mirrors the OpenAI /v1/embeddings request body.
type inboundEmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, gatewayerr.InvalidRequest("embeddings input must be a string or array of strings")
}

type outboundEmbeddingResponse struct {
	Object string                    `json:"object"`
	Data   []providers.EmbeddingData `json:"data"`
	Model  string                    `json:"model"`
	Usage  map[string]int            `json:"usage"`
}

func renderEmbeddingResponse(resp *providers.EmbeddingResponse) []byte {
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   resp.Data,
		Model:  resp.Model,
		Usage: map[string]int{
			"prompt_tokens": resp.Usage.InputTokens,
			"total_tokens":  resp.Usage.InputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

// usageFromProvider converts the provider package's Usage shape into the
// domain.Usage the budget ledger and audit log deal in.
func usageFromProvider(u providers.Usage) domain.Usage {
	return domain.Usage{
		PromptTokens:     uint64(u.InputTokens),
		CompletionTokens: uint64(u.OutputTokens),
	}
}

func queryIntOr(ctx *fasthttp.RequestCtx, key string, def int) int {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// rewriteModelField replaces the top-level "model" field of a JSON body
// with mapped, used by the generic forward path (spec §4.1 step 7) for
// routes with no dedicated Translator.
func rewriteModelField(body []byte, mapped string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(mapped)
	if err != nil {
		return nil, err
	}
	doc["model"] = encoded
	return json.Marshal(doc)
}

// genericUsage is the "usage" shape shared by every OpenAI-compatible
// endpoint (chat, completions, embeddings, moderations, rerank, responses).
type genericUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
	CachedTokens     uint64 `json:"cached_tokens"`
	PromptDetails    *struct {
		CachedTokens uint64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// extractUsage implements spec §4.1 step 13 for the generic forward path:
// best-effort parse of a top-level or nested "usage" object. A body with
// no recognisable usage shape yields a zero Usage; proxyRequest then
// commits the estimated input token count to the token ledger and an
// actual cost of 0.
func extractUsage(body []byte) domain.Usage {
	var doc struct {
		Usage genericUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Usage{}
	}
	cached := doc.Usage.CachedTokens
	if doc.Usage.PromptDetails != nil && doc.Usage.PromptDetails.CachedTokens > 0 {
		cached = doc.Usage.PromptDetails.CachedTokens
	}
	return domain.Usage{
		PromptTokens:     doc.Usage.PromptTokens,
		CompletionTokens: doc.Usage.CompletionTokens,
		CachedTokens:     cached,
	}
}
