// Package auth issues and validates the bearer tokens protecting the HTTP
// surfaces: the prekey directory and anything else mounted behind the
// middleware. Tokens are HS256 JWTs carrying the agent identity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/castlelab/gambit/internal/common/config"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAlgorithm = errors.New("invalid signing algorithm")
	ErrEmptySecret      = errors.New("jwt secret cannot be empty")
	ErrWeakSecret       = errors.New("jwt secret must be at least 32 characters")
	ErrInvalidExpiry    = errors.New("jwt expiry must be positive")
)

// Claims carries the agent identity inside a token.
type Claims struct {
	AgentID string `json:"agentId"`
	jwt.RegisteredClaims
}

// Service signs and verifies agent tokens.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService builds the token service. Configuration with an empty secret
// means auth is disabled; callers should not construct a service then.
func NewService(cfg *config.AuthConfig) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrEmptySecret
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrWeakSecret
	}
	if cfg.JWTExpiry <= 0 {
		return nil, ErrInvalidExpiry
	}
	return &Service{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiry,
	}, nil
}

// GenerateToken mints a token binding agentID for the configured lifetime.
func (s *Service) GenerateToken(agentID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies the signature and lifetime and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAlgorithm
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
