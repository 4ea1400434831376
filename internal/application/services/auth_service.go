package services

import (
	"fmt"
	"strings"
	"time"

	config "github.com/avatarctic/offline-shell-gateway/configs"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type AuthService struct {
	jwtConfig *config.JWTConfig
	logger    *logrus.Logger
	now       func() time.Time
}

func NewAuthService(jwtConfig *config.JWTConfig, logger *logrus.Logger) ports.AdminTokenService {
	return &AuthService{jwtConfig: jwtConfig, logger: logger, now: time.Now}
}

// GenerateToken signs an HS256 admin token. With no scopes it grants ScopeAdmin.
func (s *AuthService) GenerateToken(subject string, scopes ...string) (*auth.AdminToken, error) {
	if s.jwtConfig == nil || s.jwtConfig.Secret == "" {
		return nil, auth.ErrMissingSecret
	}
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeAdmin}
	}
	now := s.now()
	claims := &auth.Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.jwtConfig.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtConfig.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign admin token: %w", err)
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"subject": subject, "scope": claims.Scope, "jti": claims.ID}).Info("admin token issued")
	}

	return &auth.AdminToken{
		AccessToken: signed,
		ExpiresIn:   int64(s.jwtConfig.TokenTTL.Seconds()),
	}, nil
}

func (s *AuthService) ValidateToken(tokenString string) (*auth.Claims, error) {
	if s.jwtConfig == nil || s.jwtConfig.Secret == "" {
		return nil, auth.ErrMissingSecret
	}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired()}
	if s.jwtConfig.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.jwtConfig.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &auth.Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Ensure the token's signing method is HMAC (prevent alg confusion)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtConfig.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*auth.Claims)
	if !ok || !token.Valid {
		return nil, auth.ErrInvalidToken
	}
	return claims, nil
}
