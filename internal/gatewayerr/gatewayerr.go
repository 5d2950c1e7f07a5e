// Package gatewayerr defines the gateway's internal error taxonomy and the
// single seam that maps it onto the OpenAI-compatible HTTP error envelope.
// Keeping the taxonomy as plain Go values (rather than scattering
// fasthttp/apierr calls through the pipeline) lets every stage — auth, rate
// limit, guardrails, budget, router — return one of these and leave the
// HTTP mapping to one place, per the "map_error(err) -> (status, envelope)"
// guidance.
package gatewayerr

import (
	"errors"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind int

const (
	KindUnauthorized Kind = iota
	KindRateLimited
	KindGuardrailRejected
	KindBudgetExceeded
	KindCostBudgetExceeded
	KindBackendNotFound
	KindBackend
	KindInvalidRequest
	KindNotFound
	KindStorageError
)

// Error is the single error type flowing through the request pipeline.
type Error struct {
	Kind    Kind
	Message string

	// Fields populated for specific kinds, used both for logging and for
	// the HTTP envelope's message text.
	Limit     string // RateLimited: "rpm>60" / "tpm>1000"
	Reason    string // GuardrailRejected
	Attempted uint64 // BudgetExceeded / CostBudgetExceeded
	Ceiling   uint64 // BudgetExceeded / CostBudgetExceeded
	Backend   string // BackendNotFound / Backend
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("gatewayerr: kind=%d", e.Kind)
}

func New(kind Kind, message string) *Error { return &Error{Kind: kind, Message: message} }

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func RateLimited(limit, message string) *Error {
	return &Error{Kind: KindRateLimited, Limit: limit, Message: message}
}

func GuardrailRejected(reason string) *Error {
	return &Error{Kind: KindGuardrailRejected, Reason: reason, Message: "guardrail rejected: " + reason}
}

func BudgetExceeded(ceiling, attempted uint64) *Error {
	return &Error{
		Kind: KindBudgetExceeded, Ceiling: ceiling, Attempted: attempted,
		Message: fmt.Sprintf("token budget exceeded: limit=%d attempted=%d", ceiling, attempted),
	}
}

func CostBudgetExceeded(ceiling, attempted uint64) *Error {
	return &Error{
		Kind: KindCostBudgetExceeded, Ceiling: ceiling, Attempted: attempted,
		Message: fmt.Sprintf("cost budget exceeded: limit=%d attempted=%d", ceiling, attempted),
	}
}

func BackendNotFound(name string) *Error {
	return &Error{Kind: KindBackendNotFound, Backend: name, Message: "unknown backend: " + name}
}

func Backend(name, message string) *Error {
	return &Error{Kind: KindBackend, Backend: name, Message: message}
}

func InvalidRequest(reason string) *Error {
	return &Error{Kind: KindInvalidRequest, Reason: reason, Message: reason}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func StorageError(message string) *Error {
	return &Error{Kind: KindStorageError, Message: message}
}

// As extracts a *Error from err, if any.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Write maps a gatewayerr.Error (or any error) to the OpenAI-compatible
// HTTP envelope and status code per spec §6/§7, writing it to ctx.
func Write(ctx *fasthttp.RequestCtx, err error) {
	ge, ok := As(err)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	switch ge.Kind {
	case KindUnauthorized:
		apierr.Write(ctx, fasthttp.StatusUnauthorized, ge.Message, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		apierr.Write(ctx, fasthttp.StatusTooManyRequests, ge.Message, apierr.TypeRateLimitError, "rate_limited")
	case KindGuardrailRejected:
		apierr.Write(ctx, fasthttp.StatusForbidden, ge.Message, apierr.TypeInvalidRequest, "guardrail_rejected")
	case KindBudgetExceeded:
		apierr.Write(ctx, fasthttp.StatusPaymentRequired, ge.Message, apierr.TypeInvalidRequest, "budget_exceeded")
	case KindCostBudgetExceeded:
		apierr.Write(ctx, fasthttp.StatusPaymentRequired, ge.Message, apierr.TypeInvalidRequest, "cost_budget_exceeded")
	case KindBackendNotFound:
		apierr.Write(ctx, fasthttp.StatusNotFound, ge.Message, apierr.TypeInvalidRequest, "not_found")
	case KindBackend:
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, ge.Message)
	case KindInvalidRequest:
		apierr.Write(ctx, fasthttp.StatusBadRequest, ge.Message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case KindNotFound:
		apierr.Write(ctx, fasthttp.StatusNotFound, ge.Message, apierr.TypeInvalidRequest, "not_found")
	case KindStorageError:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, ge.Message, apierr.TypeServerError, "storage_error")
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, ge.Message, apierr.TypeServerError, apierr.CodeInternalError)
	}
}
