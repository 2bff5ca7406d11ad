// Package session binds bearer tokens to accounts and exposes the read side
// of an account's identity set.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authlink.org/internal/audit"
	"authlink.org/internal/auth"
	"authlink.org/internal/identity"
	"authlink.org/internal/ids"
	"authlink.org/internal/obs"
)

const defaultTTL = 24 * time.Hour * 30

// ErrUnauthorized is returned for missing, malformed, expired or foreign tokens.
var ErrUnauthorized = errors.New("session: unauthorized")

// Session is a freshly issued bearer token.
type Session struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	IsGuest   bool      `json:"is_guest"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdentityView is the public projection of one identity.
type IdentityView struct {
	UID       string `json:"uid"`
	Confirmed bool   `json:"confirmed"`
}

// Profile is the account's current identity set, one entry per type.
type Profile struct {
	AccountID  string                         `json:"account_id"`
	IsGuest    bool                           `json:"is_guest"`
	Identities map[identity.Type]IdentityView `json:"identities"`
}

// Service issues and resolves sessions.
type Service struct {
	store   identity.Store
	secrets auth.SecretVerifier
	signer  signer
}

// Option configures Service behavior.
type Option func(*Service) error

// WithTokenSecret enables HS256 session tokens.
func WithTokenSecret(secret string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.signer.secret = []byte(secret)
		return nil
	}
}

// WithRS256Keys signs sessions with an RSA key pair instead of the secret.
func WithRS256Keys(privatePEM, publicPEM string) Option {
	return func(s *Service) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" && publicPEM == "" {
			return nil
		}
		if privatePEM == "" || publicPEM == "" {
			return errors.New("session: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("session: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("session: parse public key: %w", err)
		}
		s.signer.privateKey = priv
		s.signer.publicKey = pub
		return nil
	}
}

// WithKeyID sets the kid header on RS256 tokens.
func WithKeyID(kid string) Option {
	return func(s *Service) error {
		s.signer.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer sets and enforces the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.signer.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithTTL configures session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.signer.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.signer.now = fn
		}
		return nil
	}
}

// WithSecretVerifier replaces the password checker used by Login.
func WithSecretVerifier(v auth.SecretVerifier) Option {
	return func(s *Service) error {
		if v != nil {
			s.secrets = v
		}
		return nil
	}
}

// New constructs Service with optional configuration.
func New(store identity.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	svc := &Service{
		store:   store,
		secrets: auth.Bcrypt{},
		signer:  signer{ttl: defaultTTL, now: time.Now},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if err := svc.signer.ready(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Bootstrap creates a guest account and a session bound to it.
func (s *Service) Bootstrap(ctx context.Context) (Session, error) {
	now := s.signer.now().UTC()
	acc := identity.Account{
		ID:        ids.NewAccountID(),
		IsGuest:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return Session{}, fmt.Errorf("create guest account: %w", err)
	}
	sess, err := s.issue(acc)
	if err != nil {
		return Session{}, err
	}
	obs.SessionsTotal.WithLabelValues("bootstrap").Inc()
	_ = audit.LogEvent(auth.ContextWithAccount(ctx, acc.ID), audit.EventSessionCreated, nil)
	return sess, nil
}

// Login opens a session for the owner of a confirmed password identity.
func (s *Service) Login(ctx context.Context, t identity.Type, uid, password string) (Session, error) {
	desc, err := identity.ParseType(string(t))
	if err != nil {
		return Session{}, err
	}
	if desc.Class != identity.ClassPassword {
		return Session{}, fmt.Errorf("%w: login supports password types only", identity.ErrUnknownType)
	}
	key := identity.NewKey(desc.Type, uid)
	row, err := s.store.Find(ctx, key)
	if errors.Is(err, identity.ErrNotFound) || (err == nil && !row.Confirmed) {
		return Session{}, identity.ErrUserNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("find identity: %w", err)
	}
	if err := s.secrets.Verify(row.Secret, password); err != nil {
		if errors.Is(err, auth.ErrSecretMismatch) {
			return Session{}, identity.ErrIncorrectPassword
		}
		return Session{}, err
	}
	acc, err := s.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return Session{}, fmt.Errorf("load account: %w", err)
	}
	sess, err := s.issue(acc)
	if err != nil {
		return Session{}, err
	}
	obs.SessionsTotal.WithLabelValues("login").Inc()
	_ = audit.LogEvent(auth.ContextWithAccount(ctx, acc.ID), audit.EventSessionLogin, map[string]any{"type": string(key.Type)})
	return sess, nil
}

// Resolve maps a bearer token to its account. The account must exist; a
// retired merge donor still resolves and reads as empty.
func (s *Service) Resolve(ctx context.Context, bearer string) (string, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return "", ErrUnauthorized
	}
	claims, err := s.signer.parse(bearer)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetAccount(ctx, claims.Subject); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("load account: %w", err)
	}
	return claims.Subject, nil
}

// Profile returns the identity set of accountID.
func (s *Service) Profile(ctx context.Context, accountID string) (Profile, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, identity.ErrNotFound) {
		return Profile{}, identity.ErrUserNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load account: %w", err)
	}
	rows, err := s.store.ListByAccount(ctx, accountID)
	if err != nil {
		return Profile{}, fmt.Errorf("list identities: %w", err)
	}
	return Profile{AccountID: acc.ID, IsGuest: acc.IsGuest, Identities: Views(rows)}, nil
}

// Views projects rows to one entry per type, preferring the confirmed row and
// then the newest claim.
func Views(rows []identity.Identity) map[identity.Type]IdentityView {
	out := make(map[identity.Type]IdentityView)
	for t, group := range identity.ByType(rows) {
		if row, ok := identity.Active(group); ok {
			out[t] = IdentityView{UID: row.UID, Confirmed: row.Confirmed}
		}
	}
	return out
}

func (s *Service) issue(acc identity.Account) (Session, error) {
	token, exp, err := s.signer.sign(acc.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, AccountID: acc.ID, IsGuest: acc.IsGuest, ExpiresAt: exp}, nil
}
