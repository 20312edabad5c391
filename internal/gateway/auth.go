package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned by validators when no credential source
	// is configured.
	ErrAuthDisabled = errors.New("auth disabled")

	// ErrInvalidToken covers malformed, mis-signed, and expired tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidKey means the presented API key matched nothing.
	ErrInvalidKey = errors.New("invalid api key")
)

// AuthConfig declares the gateway's credential sources. With neither set,
// authentication is disabled and every request passes.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret string

	// APIKeys are accepted via X-API-Key or as bearer values.
	APIKeys []string
}

// AuthService validates bearer tokens and API keys.
type AuthService struct {
	secret  []byte
	apiKeys []string
}

// NewAuthService builds a validator from static configuration.
func NewAuthService(cfg AuthConfig) *AuthService {
	s := &AuthService{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.secret = []byte(cfg.JWTSecret)
	}
	for _, key := range cfg.APIKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			s.apiKeys = append(s.apiKeys, trimmed)
		}
	}
	return s
}

// Enabled reports whether auth checks should run.
func (s *AuthService) Enabled() bool {
	return s != nil && (len(s.secret) > 0 || len(s.apiKeys) > 0)
}

// ValidateJWT checks an HS256 token's signature and claims and returns
// the subject.
func (s *AuthService) ValidateJWT(token string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueJWT signs a token for subject, mainly for tests and the CLI.
func (s *AuthService) IssueJWT(subject string, ttl time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateAPIKey checks a presented key against the configured set using
// constant-time comparison so timing cannot reveal valid keys.
func (s *AuthService) ValidateAPIKey(key string) error {
	if s == nil || len(s.apiKeys) == 0 {
		return ErrAuthDisabled
	}
	presented := []byte(strings.TrimSpace(key))
	matched := false
	for _, stored := range s.apiKeys {
		if subtle.ConstantTimeCompare(presented, []byte(stored)) == 1 {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidKey
	}
	return nil
}

// Authorize validates a request's credentials: bearer JWT, bearer API
// key, or X-API-Key header.
func (s *AuthService) Authorize(authorization, apiKeyHeader string) error {
	if !s.Enabled() {
		return nil
	}

	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token := strings.TrimSpace(authorization[7:])
		if _, err := s.ValidateJWT(token); err == nil {
			return nil
		}
		if err := s.ValidateAPIKey(token); err == nil {
			return nil
		}
	}

	if apiKeyHeader != "" {
		if err := s.ValidateAPIKey(apiKeyHeader); err == nil {
			return nil
		}
	}

	return ErrInvalidToken
}
