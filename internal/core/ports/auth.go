package ports

import "github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"

// AdminTokenService issues and validates the bearer tokens that guard the admin API.
type AdminTokenService interface {
	GenerateToken(subject string, scopes ...string) (*auth.AdminToken, error)
	ValidateToken(tokenString string) (*auth.Claims, error)
}
