package guardrails

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/valyala/fasthttp"
)

// ValidateSchema runs minimal shape validation for known OpenAI-compatible
// endpoints, per spec §4.7. Unknown endpoints are not validated here; model
// presence is checked generically since every budgeted endpoint requires it.
func ValidateSchema(route string, body []byte) error {
	var doc map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return gatewayerr.InvalidRequest("invalid JSON body: " + err.Error())
		}
	}

	switch route {
	case "/v1/chat/completions":
		if _, ok := doc["messages"]; !ok {
			return gatewayerr.InvalidRequest("chat completions request requires \"messages\"")
		}
	case "/v1/completions":
		if _, ok := doc["prompt"]; !ok {
			return gatewayerr.InvalidRequest("completions request requires \"prompt\"")
		}
	case "/v1/embeddings":
		if _, ok := doc["input"]; !ok {
			return gatewayerr.InvalidRequest("embeddings request requires \"input\"")
		}
	case "/v1/moderations":
		if _, ok := doc["input"]; !ok {
			return gatewayerr.InvalidRequest("moderations request requires \"input\"")
		}
	case "/v1/rerank":
		if _, ok := doc["query"]; !ok {
			return gatewayerr.InvalidRequest("rerank request requires \"query\"")
		}
	}
	return nil
}

// ValidateMultipart checks that ctx carries a multipart/form-data body with
// a "file" part and either a "purpose" or "model" part, per spec §4.7's
// rule for /v1/files and the audio transcription/translation endpoints.
func ValidateMultipart(ctx *fasthttp.RequestCtx) error {
	form, err := ctx.MultipartForm()
	if err != nil {
		return gatewayerr.InvalidRequest(fmt.Sprintf("expected multipart/form-data body: %v", err))
	}
	if len(form.File["file"]) == 0 {
		return gatewayerr.InvalidRequest("multipart body requires a \"file\" part")
	}
	hasPurpose := len(form.Value["purpose"]) > 0
	hasModel := len(form.Value["model"]) > 0
	if !hasPurpose && !hasModel {
		return gatewayerr.InvalidRequest("multipart body requires a \"purpose\" or \"model\" field")
	}
	return nil
}
