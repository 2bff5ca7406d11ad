package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authlink.org/internal/identity"
)

// TokenVerifier checks a social provider token and returns the provider
// subject it was issued for.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, t identity.Type, token string) (string, error)
}

// StaticTokenVerifier resolves tokens from a fixed table. Keys are
// "<type>:<token>".
type StaticTokenVerifier struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokenVerifier creates an empty table.
func NewStaticTokenVerifier() *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: make(map[string]string)}
}

// Add registers token as proof of subject for provider t.
func (v *StaticTokenVerifier) Add(t identity.Type, token, subject string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[string(t)+":"+token] = subject
}

func (v *StaticTokenVerifier) VerifyToken(_ context.Context, t identity.Type, token string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	subject, ok := v.tokens[string(t)+":"+token]
	if !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// ProviderClaims are the claims expected in provider ID tokens.
type ProviderClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTProviderVerifier validates HS256 ID tokens minted by a provider bridge
// that shares a secret per provider. The provider name is the token issuer.
type JWTProviderVerifier struct {
	secrets  map[identity.Type][]byte
	audience string
	now      func() time.Time
}

// JWTProviderOption configures a JWTProviderVerifier.
type JWTProviderOption func(*JWTProviderVerifier)

// WithAudience requires tokens to name aud.
func WithAudience(aud string) JWTProviderOption {
	return func(v *JWTProviderVerifier) { v.audience = aud }
}

// WithProviderClock overrides the validation clock.
func WithProviderClock(now func() time.Time) JWTProviderOption {
	return func(v *JWTProviderVerifier) { v.now = now }
}

// NewJWTProviderVerifier builds a verifier for the providers present in
// secrets. Empty secrets are skipped.
func NewJWTProviderVerifier(secrets map[identity.Type]string, opts ...JWTProviderOption) *JWTProviderVerifier {
	v := &JWTProviderVerifier{
		secrets: make(map[identity.Type][]byte, len(secrets)),
		now:     time.Now,
	}
	for t, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets[t] = []byte(s)
		}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTProviderVerifier) VerifyToken(_ context.Context, t identity.Type, token string) (string, error) {
	secret, ok := v.secrets[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, t)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(string(t)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &ProviderClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*ProviderClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Sign mints a provider token. Development tooling and tests use it in place
// of the real provider bridge.
func (v *JWTProviderVerifier) Sign(t identity.Type, subject string, ttl time.Duration) (string, error) {
	secret, ok := v.secrets[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, t)
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	now := v.now().UTC()
	claims := ProviderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(t),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	return signed, nil
}

// Providers dispatches to the verifier registered for each type.
type Providers map[identity.Type]TokenVerifier

func (p Providers) VerifyToken(ctx context.Context, t identity.Type, token string) (string, error) {
	v, ok := p[t]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, t)
	}
	return v.VerifyToken(ctx, t, token)
}
