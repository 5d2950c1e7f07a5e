package proxy

import (
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/admin"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// unprefixedAliases maps bare paths the gateway accepts as a convenience
// onto their canonical /v1 form, per the ingress table's "unprefixed
// aliases ... are rewritten to their /v1 form before routing".
var unprefixedAliases = map[string]string{
	"/chat/completions":      "/v1/chat/completions",
	"/completions":           "/v1/completions",
	"/embeddings":            "/v1/embeddings",
	"/moderations":           "/v1/moderations",
	"/rerank":                "/v1/rerank",
	"/responses":             "/v1/responses",
	"/models":                "/v1/models",
	"/images/generations":    "/v1/images/generations",
	"/audio/transcriptions":  "/v1/audio/transcriptions",
	"/audio/translations":    "/v1/audio/translations",
	"/audio/speech":          "/v1/audio/speech",
	"/files":                 "/v1/files",
	"/batches":               "/v1/batches",
}

// normalizePath rewrites a handful of well-known unprefixed aliases to
// their canonical /v1 form, including the parameterized sub-paths under
// /responses, /files and /batches, so both forms dispatch identically.
func normalizePath(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		p := string(ctx.Path())
		switch {
		case strings.HasPrefix(p, "/v1/"):
			// already canonical
		case unprefixedAliases[p] != "":
			ctx.Request.URI().SetPath(unprefixedAliases[p])
		case strings.HasPrefix(p, "/responses/"), strings.HasPrefix(p, "/files/"), strings.HasPrefix(p, "/batches/"):
			ctx.Request.URI().SetPath("/v1" + p)
		}
		next(ctx)
	}
}

// AdminHandlers bundles the already-built admin.Handlers plus the static
// data its routes need at registration time: the backend name list for
// GET /admin/backends and the max reservation age for the reap endpoint.
type AdminHandlers struct {
	H                 *admin.Handlers
	BackendNames      []string
	ReservationMaxAge time.Duration
}

// Start starts the HTTP server on addr with no admin surface or metrics
// endpoint mounted; callers that need those should use StartWithAdmin.
func (g *Gateway) Start(addr string) error {
	return g.StartWithAdmin(addr, nil, nil)
}

// StartWithAdmin starts the HTTP server with the full proxy surface, and
// optionally the admin management surface and a /metrics handler.
func (g *Gateway) StartWithAdmin(addr string, adminH *AdminHandlers, metricsHandler fasthttp.RequestHandler) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.HandleChatCompletions)
	r.POST("/v1/completions", g.HandleCompletions)
	r.POST("/v1/embeddings", g.HandleEmbeddings)
	r.POST("/v1/moderations", g.HandleModerations)
	r.POST("/v1/rerank", g.HandleRerank)
	r.POST("/v1/responses", g.HandleResponses)
	r.GET("/v1/responses/{id}", g.HandleResponses)
	r.POST("/v1/images/generations", g.HandleImages)
	r.POST("/v1/audio/transcriptions", g.HandleAudio)
	r.POST("/v1/audio/translations", g.HandleAudio)
	r.POST("/v1/audio/speech", g.HandleAudio)
	r.GET("/v1/models", g.HandleModels)
	r.POST("/v1/files", g.HandleFiles)
	r.GET("/v1/files", g.HandleFiles)
	r.GET("/v1/files/{id}", g.HandleFiles)
	r.DELETE("/v1/files/{id}", g.HandleFiles)
	r.POST("/v1/batches", g.HandleBatches)
	r.GET("/v1/batches/{id}", g.HandleBatches)
	r.POST("/v1/batches/{id}/cancel", g.HandleBatches)

	r.GET("/health", g.HandleHealth)

	if adminH != nil && adminH.H != nil {
		h := adminH.H
		r.GET("/admin/keys", h.ListKeys)
		r.POST("/admin/keys", h.UpsertKeys)
		r.PUT("/admin/keys/{id}", h.UpdateKey)
		r.DELETE("/admin/keys/{id}", h.DeleteKey)
		r.GET("/admin/ledgers/budget", h.LedgerBudget)
		r.GET("/admin/ledgers/cost", h.LedgerCost)
		r.POST("/admin/reservations/reap", h.ReapReservations(adminH.ReservationMaxAge))
		r.GET("/admin/backends", h.Backends(adminH.BackendNames))
		r.POST("/admin/backends/{name}/reset", h.ResetBackend)
		r.POST("/admin/proxy-cache/purge", h.PurgeCache)
		r.GET("/admin/audit", h.ListAudit)
		r.GET("/admin/audit/export", h.ExportAuditNDJSON)
	}

	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
		r.GET("/metrics/prometheus", metricsHandler)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		normalizePath,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}
