package auth

import (
	"errors"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin grants access to the /_offline admin endpoints.
const ScopeAdmin = "offline:admin"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingScope  = errors.New("token lacks required scope")
	ErrMissingSecret = errors.New("admin jwt secret is not configured")
)

// AdminToken is what the token endpoint and CLI hand out.
type AdminToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Claims is the admin JWT payload. Scope is a space separated list, as in OAuth.
type Claims struct {
	Scope string `json:"scope"`

	jwt.RegisteredClaims
}

// HasScope reports whether the claims carry scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}
