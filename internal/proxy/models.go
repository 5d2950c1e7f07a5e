package proxy

import (
	"encoding/json"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
)

// modelEntry mirrors one element of an OpenAI-compatible /v1/models
// response "data" array; unrecognised extra fields are dropped, matching
// the other endpoints' best-effort JSON handling.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// HandleModels implements spec §6's "merges data[] from all backends;
// deduplicated by id": every configured backend is queried for its own
// /v1/models listing and the results are deduplicated by id, first one
// wins. A backend that errors or returns no data is simply skipped rather
// than failing the whole request.
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	vk, _, err := g.authenticate(ctx)
	if err != nil {
		gatewayerr.Write(ctx, err)
		return
	}
	_ = vk

	seen := make(map[string]bool)
	merged := make([]modelEntry, 0, 16)

	for _, backend := range g.backends.All() {
		res, err := g.httpForward(ctx, backend, fasthttp.MethodGet, "/v1/models", nil)
		if err != nil || res.Status != fasthttp.StatusOK {
			continue
		}
		var parsed modelsResponse
		if err := json.Unmarshal(res.Body, &parsed); err != nil {
			continue
		}
		for _, m := range parsed.Data {
			if m.ID == "" || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{Object: "list", Data: merged})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
