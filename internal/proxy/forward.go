package proxy

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// hopByHop lists headers that must never be copied across a proxy hop,
// per spec §6's header-stripping rules.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

var clientAuthHeaders = []string{"Authorization", "X-Api-Key", "X-Litellm-Api-Key"}

// forwardResult is the raw response from one backend attempt.
type forwardResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// httpForward is the generic TranslationBackend-less seam: it copies the
// inbound request verbatim (minus hop-by-hop and, optionally, client auth
// headers) to backend.BaseURL+path, applies backend.Headers/QueryParams,
// and returns the raw response. Used for every route that has no matching
// Provider-based translator, and for the genuinely pass-through endpoints
// (files, batches, images, audio) spec §6 marks "(passthrough)".
func (g *Gateway) httpForward(ctx *fasthttp.RequestCtx, backend domain.Backend, method, path string, body []byte) (forwardResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	url := strings.TrimRight(backend.BaseURL, "/") + path
	if len(backend.QueryParams) > 0 {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		for k, v := range backend.QueryParams {
			url += sep + k + "=" + v
			sep = "&"
		}
	}
	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	req.SetBody(body)

	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if hopByHop[key] {
			return
		}
		if backend.StripAuthorization && isClientAuthHeader(key) {
			return
		}
		req.Header.Set(key, string(v))
	})
	for k, v := range backend.Headers {
		req.Header.Set(k, v)
	}

	timeout := time.Duration(backend.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := g.httpClient.DoTimeout(req, resp, timeout); err != nil {
		return forwardResult{}, err
	}

	headers := make(map[string]string)
	resp.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if hopByHop[key] {
			return
		}
		headers[key] = string(v)
	})

	out := forwardResult{
		Status:  resp.StatusCode(),
		Headers: headers,
		Body:    append([]byte(nil), resp.Body()...),
	}
	return out, nil
}

func isClientAuthHeader(key string) bool {
	for _, h := range clientAuthHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
