package helpers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
)

type ctxKey string

const (
	keyClientID    ctxKey = "client_id"
	keyAdminClaims ctxKey = "admin_claims"
	keyFetchSource ctxKey = "fetch_source"
)

func SetClientID(c echo.Context, id uuid.UUID) { c.Set(string(keyClientID), id) }
func GetClientIDRaw(c echo.Context) (uuid.UUID, bool) {
	v := c.Get(string(keyClientID))
	id, ok := v.(uuid.UUID)
	return id, ok
}

func SetAdminClaims(c echo.Context, claims *auth.Claims) { c.Set(string(keyAdminClaims), claims) }
func GetAdminClaimsRaw(c echo.Context) (*auth.Claims, bool) {
	v := c.Get(string(keyAdminClaims))
	cl, ok := v.(*auth.Claims)
	return cl, ok
}

func SetFetchSource(c echo.Context, source ports.FetchSource) { c.Set(string(keyFetchSource), source) }
func GetFetchSourceRaw(c echo.Context) (ports.FetchSource, bool) {
	v := c.Get(string(keyFetchSource))
	s, ok := v.(ports.FetchSource)
	return s, ok
}
