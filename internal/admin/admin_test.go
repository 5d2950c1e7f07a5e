package admin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adminauth"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/router"
)

type fakeKeyRegistry struct {
	keys []domain.VirtualKey
}

func (f *fakeKeyRegistry) Snapshot() []domain.VirtualKey { return f.keys }
func (f *fakeKeyRegistry) Replace(_ context.Context, keys []domain.VirtualKey) error {
	f.keys = keys
	return nil
}

func newTestHandlers() (*Handlers, *fakeKeyRegistry) {
	reg := &fakeKeyRegistry{keys: []domain.VirtualKey{
		{ID: "k1", Token: "secret-token", TenantID: "acme"},
	}}
	h := &Handlers{
		Auth:        adminauth.NewVerifier("read-tok", "write-tok", ""),
		Keys:        reg,
		TokenLedger: budget.New(nil),
		CostLedger:  budget.New(nil),
		Health:      router.NewHealthTracker(router.HealthConfig{}),
	}
	return h, reg
}

func requestWithToken(token string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-admin-token", token)
	return ctx
}

func TestListKeys_RedactsToken(t *testing.T) {
	h, _ := newTestHandlers()
	ctx := requestWithToken("read-tok")
	h.ListKeys(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var resp struct {
		Keys []domain.VirtualKey `json:"keys"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(resp.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(resp.Keys))
	}
	if resp.Keys[0].Token != "redacted" {
		t.Error("expected token to be redacted")
	}
}

func TestListKeys_NoToken_Unauthorized(t *testing.T) {
	h, _ := newTestHandlers()
	ctx := &fasthttp.RequestCtx{}
	h.ListKeys(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestUpsertKeys_ReadTokenCannotWrite(t *testing.T) {
	h, _ := newTestHandlers()
	ctx := requestWithToken("read-tok")
	ctx.Request.SetBody([]byte(`{"keys":[{"id":"k2"}]}`))
	h.UpsertKeys(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("expected 403 for read-only token attempting write, got %d", ctx.Response.StatusCode())
	}
}

func TestUpsertKeys_MergesByID(t *testing.T) {
	h, reg := newTestHandlers()
	ctx := requestWithToken("write-tok")
	ctx.Request.SetBody([]byte(`{"keys":[{"id":"k2","tenant_id":"acme"}]}`))
	h.UpsertKeys(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if len(reg.keys) != 2 {
		t.Fatalf("expected merge to produce 2 keys, got %d", len(reg.keys))
	}
}

func TestDeleteKey_NotFound(t *testing.T) {
	h, _ := newTestHandlers()
	ctx := requestWithToken("write-tok")
	ctx.SetUserValue("id", "does-not-exist")
	h.DeleteKey(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestResetBackend(t *testing.T) {
	h, _ := newTestHandlers()
	h.Health.RecordFailure("alpha", router.FailureNetwork, 0, "boom", 1000)

	ctx := requestWithToken("write-tok")
	ctx.SetUserValue("name", "alpha")
	h.ResetBackend(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if !h.Health.IsHealthy("alpha", 1000) {
		t.Error("expected backend to be healthy after reset")
	}
}
