// Package admin implements the gateway's management HTTP surface from
// spec §4.6: virtual key CRUD, ledger inspection, backend health
// snapshot/reset, proxy cache purge, reservation reaping, and audit log
// export. Handlers follow the teacher's internal/proxy/router.go shape
// (plain fasthttp.RequestHandler funcs plus a writeJSON helper) rather
// than introducing a second web framework.
package admin

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adminauth"
	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// KeyRegistry is the subset of the proxy's virtual-key bookkeeping the
// admin plane needs: reading the current set and installing a new one
// after validating and persisting it.
type KeyRegistry interface {
	Snapshot() []domain.VirtualKey
	Replace(ctx context.Context, keys []domain.VirtualKey) error
}

// Handlers bundles everything the admin HTTP routes call into. Every field
// is optional except Auth and Keys; a nil dependency degrades the
// corresponding endpoint to 503 rather than panicking.
type Handlers struct {
	Auth        *adminauth.Verifier
	Keys        KeyRegistry
	TokenLedger *budget.Tracker
	CostLedger  *budget.Tracker
	Health      *router.HealthTracker
	Cache       store.ProxyCacheStore
	AuditLg     *audit.Log
	Store       store.AuditStore
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeErr(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// Authenticate resolves the admin token from Authorization/x-admin-token
// and enforces the required permission, writing a 401/403 itself on
// failure. Returns ok=false when the caller should stop processing.
func (h *Handlers) Authenticate(ctx *fasthttp.RequestCtx, need adminauth.Permission) (adminauth.Principal, bool) {
	token := string(ctx.Request.Header.Peek("x-admin-token"))
	if token == "" {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			token = auth[len(prefix):]
		}
	}

	principal, err := h.Auth.Authenticate(token)
	if err != nil {
		writeErr(ctx, fasthttp.StatusUnauthorized, "invalid or missing admin token")
		return adminauth.Principal{}, false
	}
	if need == adminauth.PermWrite && principal.Perm != adminauth.PermWrite {
		writeErr(ctx, fasthttp.StatusForbidden, "write permission required")
		return adminauth.Principal{}, false
	}
	return principal, true
}

// maxListLimit bounds GET /admin/keys pagination (spec §4.6: "offset/limit
// <= 10_000").
const maxListLimit = 10_000

// ListKeys handles GET /admin/keys. Tokens are redacted unless the caller
// passes include_tokens=true; a tenant-scoped principal only ever sees its
// own tenant's keys regardless of the tenant_id filter. Supports filtering
// by enabled status, id prefix, and tenant/project/user, plus offset/limit
// pagination.
func (h *Handlers) ListKeys(ctx *fasthttp.RequestCtx) {
	principal, ok := h.Authenticate(ctx, adminauth.PermRead)
	if !ok {
		return
	}

	includeTokens := string(ctx.QueryArgs().Peek("include_tokens")) == "true"
	idPrefix := string(ctx.QueryArgs().Peek("id_prefix"))
	tenantFilter := string(ctx.QueryArgs().Peek("tenant_id"))
	projectFilter := string(ctx.QueryArgs().Peek("project_id"))
	userFilter := string(ctx.QueryArgs().Peek("user_id"))

	var enabledFilter *bool
	if raw := string(ctx.QueryArgs().Peek("enabled")); raw != "" {
		v := raw == "true"
		enabledFilter = &v
	}

	offset := int(queryInt64(ctx, "offset", 0))
	limit := int(queryInt64(ctx, "limit", maxListLimit))
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	all := h.Keys.Snapshot()
	matched := make([]domain.VirtualKey, 0, len(all))
	for _, k := range all {
		if !principal.Allows(k.TenantID) {
			continue
		}
		if idPrefix != "" && !strings.HasPrefix(k.ID, idPrefix) {
			continue
		}
		if enabledFilter != nil && k.Enabled != *enabledFilter {
			continue
		}
		if tenantFilter != "" && k.TenantID != tenantFilter {
			continue
		}
		if projectFilter != "" && k.ProjectID != projectFilter {
			continue
		}
		if userFilter != "" && k.UserID != userFilter {
			continue
		}
		matched = append(matched, k)
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[offset:end]

	out := make([]domain.VirtualKey, 0, len(page))
	for _, k := range page {
		out = append(out, k.Redacted(includeTokens))
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"keys": out, "total": len(matched)})
}

// UpsertKeysRequest is the POST /admin/keys body: a full or partial
// replacement set, merged by VirtualKey.ID against the existing set.
type UpsertKeysRequest struct {
	Keys []domain.VirtualKey `json:"keys"`
}

// UpsertKeys handles POST /admin/keys: validates guardrail regexes eagerly
// (spec's guardrails.rs validate() semantics) before persisting, and merges
// by ID rather than wholesale replacing so a tenant-scoped caller cannot
// wipe another tenant's keys.
func (h *Handlers) UpsertKeys(ctx *fasthttp.RequestCtx) {
	principal, ok := h.Authenticate(ctx, adminauth.PermWrite)
	if !ok {
		return
	}

	var req UpsertKeysRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeErr(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}

	for _, k := range req.Keys {
		if !principal.Allows(k.TenantID) {
			writeErr(ctx, fasthttp.StatusForbidden, "cannot write keys outside your tenant")
			return
		}
		if err := guardrails.ValidateBannedRegexes(k.Guardrails.BannedRegexes); err != nil {
			writeErr(ctx, fasthttp.StatusBadRequest, "invalid banned_regexes: "+err.Error())
			return
		}
	}

	existing := h.Keys.Snapshot()
	byID := make(map[string]domain.VirtualKey, len(existing))
	for _, k := range existing {
		byID[k.ID] = k
	}
	for _, k := range req.Keys {
		if old, exists := byID[k.ID]; exists && !principal.Allows(old.TenantID) {
			writeErr(ctx, fasthttp.StatusForbidden, "cannot write keys outside your tenant")
			return
		}
		byID[k.ID] = k
	}
	merged := make([]domain.VirtualKey, 0, len(byID))
	for _, k := range byID {
		merged = append(merged, k)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	if err := h.Keys.Replace(ctx, merged); err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "failed to persist keys: "+err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"count": len(merged)})
}

// UpdateKey handles PUT /admin/keys/{id}: replaces a single key's full
// record wholesale, ignoring any id carried in the body in favour of the
// path parameter. Creates the key if it does not already exist.
func (h *Handlers) UpdateKey(ctx *fasthttp.RequestCtx) {
	principal, ok := h.Authenticate(ctx, adminauth.PermWrite)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	var vk domain.VirtualKey
	if err := json.Unmarshal(ctx.PostBody(), &vk); err != nil {
		writeErr(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	vk.ID = id

	if !principal.Allows(vk.TenantID) {
		writeErr(ctx, fasthttp.StatusForbidden, "cannot write keys outside your tenant")
		return
	}
	if err := guardrails.ValidateBannedRegexes(vk.Guardrails.BannedRegexes); err != nil {
		writeErr(ctx, fasthttp.StatusBadRequest, "invalid banned_regexes: "+err.Error())
		return
	}

	existing := h.Keys.Snapshot()
	out := make([]domain.VirtualKey, 0, len(existing)+1)
	found := false
	for _, k := range existing {
		if k.ID == id {
			if !principal.Allows(k.TenantID) {
				writeErr(ctx, fasthttp.StatusForbidden, "cannot write keys outside your tenant")
				return
			}
			out = append(out, vk)
			found = true
			continue
		}
		out = append(out, k)
	}
	if !found {
		out = append(out, vk)
	}

	if err := h.Keys.Replace(ctx, out); err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "failed to persist keys: "+err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "updated"})
}

// DeleteKey handles DELETE /admin/keys/{id}.
func (h *Handlers) DeleteKey(ctx *fasthttp.RequestCtx) {
	principal, ok := h.Authenticate(ctx, adminauth.PermWrite)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	existing := h.Keys.Snapshot()
	out := make([]domain.VirtualKey, 0, len(existing))
	found := false
	for _, k := range existing {
		if k.ID == id {
			if !principal.Allows(k.TenantID) {
				writeErr(ctx, fasthttp.StatusForbidden, "cannot delete a key outside your tenant")
				return
			}
			found = true
			continue
		}
		out = append(out, k)
	}
	if !found {
		writeErr(ctx, fasthttp.StatusNotFound, "key not found")
		return
	}
	if err := h.Keys.Replace(ctx, out); err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "failed to persist keys: "+err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "deleted"})
}

// LedgerGroup buckets ledger snapshots by tenant/project/user, joining scope
// ids back to virtual-key metadata. A scope whose key is absent from the
// current configuration (or carries no tenant/project/user of its own)
// lands in the "None" bucket, per spec §4.2's grouping rule.
type LedgerGroup struct {
	Tenant    string                  `json:"tenant"`
	Project   string                  `json:"project"`
	User      string                  `json:"user"`
	Snapshots []domain.LedgerSnapshot `json:"snapshots"`
}

const noneBucket = "None"

// groupLedger aggregates ledger scopes ("key:…", "project:…", "user:…",
// "tenant:…") by the tenant/project/user triple of the virtual key that
// owns them, per spec §4.2's "admin inspection aggregates ledgers by
// tenant, project, user, joining on virtual-key metadata".
func groupLedger(snapshots []domain.LedgerSnapshot, keys []domain.VirtualKey) []LedgerGroup {
	byID := make(map[string]domain.VirtualKey, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
	}

	type triple struct{ tenant, project, user string }
	groups := make(map[triple][]domain.LedgerSnapshot)

	for _, snap := range snapshots {
		prefix, value, _ := strings.Cut(snap.ScopeID, ":")
		var t triple
		switch prefix {
		case "tenant":
			t.tenant = value
		case "project":
			t.project = value
		case "user":
			t.user = value
		case "key":
			if vk, ok := byID[value]; ok {
				t.tenant, t.project, t.user = vk.TenantID, vk.ProjectID, vk.UserID
			}
		}
		groups[t] = append(groups[t], snap)
	}

	out := make([]LedgerGroup, 0, len(groups))
	for t, snaps := range groups {
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].ScopeID < snaps[j].ScopeID })
		out = append(out, LedgerGroup{
			Tenant:    orNone(t.tenant),
			Project:   orNone(t.project),
			User:      orNone(t.user),
			Snapshots: snaps,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].User < out[j].User
	})
	return out
}

func orNone(s string) string {
	if s == "" {
		return noneBucket
	}
	return s
}

// LedgerBudget handles GET /admin/ledgers/budget: the token-budget ledger,
// grouped by tenant/project/user.
func (h *Handlers) LedgerBudget(ctx *fasthttp.RequestCtx) {
	h.ledger(ctx, h.TokenLedger)
}

// LedgerCost handles GET /admin/ledgers/cost: the USD-micros cost ledger,
// grouped by tenant/project/user.
func (h *Handlers) LedgerCost(ctx *fasthttp.RequestCtx) {
	h.ledger(ctx, h.CostLedger)
}

func (h *Handlers) ledger(ctx *fasthttp.RequestCtx, tracker *budget.Tracker) {
	_, ok := h.Authenticate(ctx, adminauth.PermRead)
	if !ok {
		return
	}
	if tracker == nil {
		writeErr(ctx, fasthttp.StatusServiceUnavailable, "budget tracking disabled")
		return
	}
	groups := groupLedger(tracker.Snapshots(), h.Keys.Snapshot())
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"groups": groups})
}

// Backends handles GET /admin/backends.
func (h *Handlers) Backends(names []string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		_, ok := h.Authenticate(ctx, adminauth.PermRead)
		if !ok {
			return
		}
		if h.Health == nil {
			writeErr(ctx, fasthttp.StatusServiceUnavailable, "health tracking disabled")
			return
		}
		out := make([]router.Snapshot, 0, len(names))
		for _, n := range names {
			out = append(out, h.Health.Snapshot(n))
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"backends": out})
	}
}

// ResetBackend handles POST /admin/backends/{name}/reset.
func (h *Handlers) ResetBackend(ctx *fasthttp.RequestCtx) {
	_, ok := h.Authenticate(ctx, adminauth.PermWrite)
	if !ok {
		return
	}
	if h.Health == nil {
		writeErr(ctx, fasthttp.StatusServiceUnavailable, "health tracking disabled")
		return
	}
	name, _ := ctx.UserValue("name").(string)
	h.Health.Reset(name)
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "reset"})
}

// purgeCacheRequest is the optional POST /admin/proxy-cache/purge body; an
// empty or absent key purges the whole cache.
type purgeCacheRequest struct {
	Key string `json:"key"`
}

// PurgeCache handles POST /admin/proxy-cache/purge: purge-by-key (key given
// via ?key= or a JSON body) or purge-all (key omitted).
func (h *Handlers) PurgeCache(ctx *fasthttp.RequestCtx) {
	_, ok := h.Authenticate(ctx, adminauth.PermWrite)
	if !ok {
		return
	}
	if h.Cache == nil {
		writeErr(ctx, fasthttp.StatusServiceUnavailable, "proxy cache disabled")
		return
	}

	key := string(ctx.QueryArgs().Peek("key"))
	if key == "" {
		if body := ctx.PostBody(); len(body) > 0 {
			var req purgeCacheRequest
			if err := json.Unmarshal(body, &req); err != nil {
				writeErr(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
			key = req.Key
		}
	}

	var err error
	if key == "" {
		err = h.Cache.CacheClear(ctx)
	} else {
		err = h.Cache.CacheDelete(ctx, key)
	}
	if err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "purge failed: "+err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "purged"})
}

// reapRequest is the POST /admin/reservations/reap body (spec §4.6):
// older_than_secs <= 0 falls back to the server's configured default age.
type reapRequest struct {
	OlderThanSecs int  `json:"older_than_secs"`
	Limit         int  `json:"limit"`
	DryRun        bool `json:"dry_run"`
}

// ReapReservations handles POST /admin/reservations/reap, force-closing
// stale reservations on both the token and cost ledgers.
func (h *Handlers) ReapReservations(defaultMaxAge time.Duration) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		principal, ok := h.Authenticate(ctx, adminauth.PermWrite)
		if !ok {
			return
		}
		if principal.Scoped() {
			writeErr(ctx, fasthttp.StatusForbidden, "reaper requires a non-tenant-scoped admin token")
			return
		}
		if h.TokenLedger == nil && h.CostLedger == nil {
			writeErr(ctx, fasthttp.StatusServiceUnavailable, "budget tracking disabled")
			return
		}

		var req reapRequest
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeErr(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
		}

		maxAge := defaultMaxAge
		if req.OlderThanSecs > 0 {
			maxAge = time.Duration(req.OlderThanSecs) * time.Second
		}

		var reaped int
		if h.TokenLedger != nil {
			reaped += len(h.TokenLedger.Reap(maxAge, req.Limit, req.DryRun))
		}
		if h.CostLedger != nil {
			reaped += len(h.CostLedger.Reap(maxAge, req.Limit, req.DryRun))
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"reaped": reaped, "dry_run": req.DryRun})
	}
}

// ListAudit handles GET /admin/audit.
func (h *Handlers) ListAudit(ctx *fasthttp.RequestCtx) {
	_, ok := h.Authenticate(ctx, adminauth.PermRead)
	if !ok {
		return
	}
	if h.Store == nil {
		writeErr(ctx, fasthttp.StatusServiceUnavailable, "audit log disabled")
		return
	}
	since := queryInt64(ctx, "since_ms", 0)
	before := queryInt64(ctx, "before_ms", 0)
	limit := int(queryInt64(ctx, "limit", 100))

	records, err := h.Store.ListAudit(ctx, since, before, limit)
	if err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "list audit failed: "+err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"records": records})
}

// ExportAuditNDJSON handles GET /admin/audit/export, writing the full
// chain as newline-delimited JSON (spec §4.6/S7's verification export).
func (h *Handlers) ExportAuditNDJSON(ctx *fasthttp.RequestCtx) {
	_, ok := h.Authenticate(ctx, adminauth.PermRead)
	if !ok {
		return
	}
	if h.Store == nil {
		writeErr(ctx, fasthttp.StatusServiceUnavailable, "audit log disabled")
		return
	}
	records, err := h.Store.ListAudit(ctx, 0, 0, 0)
	if err != nil {
		writeErr(ctx, fasthttp.StatusInternalServerError, "export failed: "+err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/x-ndjson")
	_ = audit.WriteNDJSON(ctx, records)
}

func queryInt64(ctx *fasthttp.RequestCtx, key string, def int64) int64 {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
