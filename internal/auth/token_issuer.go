package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer and DefaultAudience bind admin tokens to this service.
	DefaultIssuer   = "write-admin"
	DefaultAudience = "write-api"
	// RoleAdmin is the only role the service grants.
	RoleAdmin = "admin"

	bearerPrefix = "Bearer "
)

var (
	ErrMissingSigningSecret = errors.New("admin token: signing secret required")
	ErrMissingIssuer        = errors.New("admin token: issuer required")
	ErrMissingAudience      = errors.New("admin token: audience required")
	ErrInvalidTokenTTL      = errors.New("admin token: ttl must be positive")
	ErrMissingToken         = errors.New("admin token: token required")
	ErrInvalidToken         = errors.New("admin token: invalid token")
	ErrExpiredToken         = errors.New("admin token: token expired")
	ErrMissingSubject       = errors.New("admin token: subject required")
	ErrMissingAdminRole     = errors.New("admin token: admin role required")
)

// AdminClaims is the payload of an administrative token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the admin JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates HS256 admin tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and returns a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueAdminToken produces a signed admin JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueAdminToken(_ context.Context, subject string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience, expiry and role.
func (i *TokenIssuer) ValidateToken(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingToken
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredToken
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AdminClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, ErrMissingSubject
	}
	if claims.Role != RoleAdmin {
		return AdminClaims{}, ErrMissingAdminRole
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return AdminClaims{}, ErrMissingToken
	}
	return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
