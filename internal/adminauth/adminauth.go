// Package adminauth authenticates the admin plane (spec §4.6): bearer or
// x-admin-token, two permissions (read/write), and tenant-scoped tokens
// that restrict mutation/inspection to one tenant. Plain configured
// strings grant full (non-tenant-scoped) access; a JWT (golang-jwt/jwt/v5,
// as used for token auth in the wider example corpus) carrying a
// "tenant_id"/"perm" claim set grants tenant-scoped access without the
// operator having to mint and track one static token per tenant.
package adminauth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Permission is one of the two admin capability levels.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
)

// Principal is the resolved identity of an authenticated admin request.
type Principal struct {
	Perm     Permission
	TenantID string // "" means unscoped — can see/mutate every tenant.
}

// Scoped reports whether this principal is restricted to one tenant.
func (p Principal) Scoped() bool { return p.TenantID != "" }

// Allows reports whether this principal may see/touch a resource belonging
// to resourceTenant ("" meaning the resource has no tenant of its own).
func (p Principal) Allows(resourceTenant string) bool {
	if !p.Scoped() {
		return true
	}
	return p.TenantID == resourceTenant
}

// Verifier authenticates an admin token against configured static tokens
// and, optionally, a JWT secret for tenant-scoped tokens.
type Verifier struct {
	readToken  string
	writeToken string
	jwtSecret  []byte
}

func NewVerifier(readToken, writeToken, jwtSecret string) *Verifier {
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &Verifier{readToken: readToken, writeToken: writeToken, jwtSecret: secret}
}

// Enabled reports whether the admin plane should be exposed at all — per
// spec §4.6, "exposed only when an admin token is configured."
func (v *Verifier) Enabled() bool {
	return v.readToken != "" || v.writeToken != "" || len(v.jwtSecret) > 0
}

var (
	ErrNoToken      = errors.New("adminauth: no token supplied")
	ErrInvalidToken = errors.New("adminauth: invalid token")
)

type tenantClaims struct {
	TenantID string `json:"tenant_id"`
	Perm     string `json:"perm"`
	jwt.RegisteredClaims
}

// Authenticate resolves token into a Principal. Static tokens match exactly
// and grant unscoped access at their configured permission level; anything
// else is parsed as a tenant-scoped JWT.
func (v *Verifier) Authenticate(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrNoToken
	}

	if v.writeToken != "" && token == v.writeToken {
		return Principal{Perm: PermWrite}, nil
	}
	if v.readToken != "" && token == v.readToken {
		return Principal{Perm: PermRead}, nil
	}

	if len(v.jwtSecret) == 0 {
		return Principal{}, ErrInvalidToken
	}

	claims := &tenantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	perm := PermRead
	if claims.Perm == "write" {
		perm = PermWrite
	}
	return Principal{Perm: perm, TenantID: claims.TenantID}, nil
}

// MintTenantToken issues a tenant-scoped JWT — used by operator tooling,
// not by the gateway's own request path.
func MintTenantToken(jwtSecret, tenantID string, perm Permission) (string, error) {
	permName := "read"
	if perm == PermWrite {
		permName = "write"
	}
	claims := tenantClaims{TenantID: tenantID, Perm: permName}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
