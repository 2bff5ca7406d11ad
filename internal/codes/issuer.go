// Package codes issues and verifies single-use confirmation codes bound to an
// identity key and the account that requested them.
package codes

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"authlink.org/internal/identity"
	"authlink.org/internal/obs"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultCooldown    = time.Minute
	DefaultMaxAttempts = 5
)

// TimeoutError is returned while a key is cooling down. It matches
// identity.ErrCodeTimeout.
type TimeoutError struct {
	Remaining time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: retry in %s", identity.KindCodeTimeout, e.Remaining.Round(time.Second))
}

func (e *TimeoutError) Unwrap() error { return identity.ErrCodeTimeout }

// Issuer generates, rate-limits, stores and verifies codes.
type Issuer struct {
	store    Store
	gen      Generator
	sender   Sender
	ttl      time.Duration
	window   time.Duration
	attempts int
	cooldown *cooldown
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithGenerator(g Generator) Option { return func(i *Issuer) { i.gen = g } }
func WithSender(s Sender) Option       { return func(i *Issuer) { i.sender = s } }
func WithTTL(d time.Duration) Option   { return func(i *Issuer) { i.ttl = d } }
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithCooldown sets how long a key must wait between two issuances.
func WithCooldown(d time.Duration) Option { return func(i *Issuer) { i.window = d } }

// WithMaxAttempts sets how many wrong guesses burn a code.
func WithMaxAttempts(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.attempts = n
		}
	}
}

// NewIssuer creates an issuer backed by store.
func NewIssuer(store Store, opts ...Option) *Issuer {
	i := &Issuer{
		store:    store,
		gen:      RandomGenerator{},
		sender:   discardSender{},
		ttl:      DefaultTTL,
		window:   DefaultCooldown,
		attempts: DefaultMaxAttempts,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.cooldown = newCooldown(i.window)
	return i
}

// Cooldown returns the minimum spacing between issuances for one key.
func (i *Issuer) Cooldown() time.Duration { return i.window }

// Issue sends a fresh code for key on behalf of accountID, replacing any live
// code. Inside the cooldown it fails with *TimeoutError and sends nothing.
func (i *Issuer) Issue(ctx context.Context, key identity.Key, accountID string) (Record, error) {
	now := i.now()

	// The stored record carries the cooldown across processes.
	prev, err := i.store.GetCode(ctx, key)
	switch {
	case err == nil:
		if left := prev.IssuedAt.Add(i.window).Sub(now); left > 0 {
			obs.CodeRejections.WithLabelValues(string(identity.KindCodeTimeout)).Inc()
			return Record{}, &TimeoutError{Remaining: left}
		}
	case !errors.Is(err, identity.ErrNotFound):
		return Record{}, fmt.Errorf("load code: %w", err)
	}
	if ok, left := i.cooldown.allow(key.String(), now); !ok {
		obs.CodeRejections.WithLabelValues(string(identity.KindCodeTimeout)).Inc()
		return Record{}, &TimeoutError{Remaining: left}
	}

	code, err := i.gen.Generate()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Key:       key,
		AccountID: accountID,
		Hash:      hashCode(key, code),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.SaveCode(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("save code: %w", err)
	}
	if err := i.sender.Send(ctx, key, code); err != nil {
		return Record{}, fmt.Errorf("send code: %w", err)
	}
	obs.CodesIssued.WithLabelValues(string(key.Type)).Inc()
	return rec, nil
}

// Peek returns the live record for key without consuming it.
func (i *Issuer) Peek(ctx context.Context, key identity.Key) (Record, error) {
	return i.store.GetCode(ctx, key)
}

// Verify checks code for key as presented by accountID and consumes it on
// success. A code issued to another claimant yields identity.ErrUserExist.
func (i *Issuer) Verify(ctx context.Context, key identity.Key, accountID, code string) error {
	rec, err := i.store.GetCode(ctx, key)
	if errors.Is(err, identity.ErrNotFound) {
		return i.reject(identity.ErrInvalidCode)
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if rec.AccountID != accountID {
		return i.reject(identity.ErrUserExist)
	}
	if !i.now().Before(rec.ExpiresAt) {
		if err := i.store.DeleteCode(ctx, key); err != nil {
			return fmt.Errorf("drop expired code: %w", err)
		}
		return i.reject(identity.ErrCodeExpired)
	}
	if rec.Attempts >= i.attempts {
		return i.burn(ctx, key)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Hash), []byte(hashCode(key, code))) != 1 {
		n, err := i.store.FailCode(ctx, key, rec.Hash)
		if err != nil {
			return fmt.Errorf("count failed attempt: %w", err)
		}
		if n >= i.attempts {
			return i.burn(ctx, key)
		}
		return i.reject(identity.ErrInvalidCode)
	}
	ok, err := i.store.ConsumeCode(ctx, key, rec.Hash)
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	if !ok {
		// Used or replaced concurrently.
		return i.reject(identity.ErrInvalidCode)
	}
	return nil
}

// InCooldown reports whether Issue would currently fail for key.
func (i *Issuer) InCooldown(ctx context.Context, key identity.Key) bool {
	now := i.now()
	if rec, err := i.store.GetCode(ctx, key); err == nil && now.Before(rec.IssuedAt.Add(i.window)) {
		return true
	}
	return i.cooldown.remaining(key.String(), now) > 0
}

// burn drops a code that has seen too many wrong guesses.
func (i *Issuer) burn(ctx context.Context, key identity.Key) error {
	if err := i.store.DeleteCode(ctx, key); err != nil {
		return fmt.Errorf("drop exhausted code: %w", err)
	}
	obs.CodeRejections.WithLabelValues("attempts_exhausted").Inc()
	return identity.ErrInvalidCode
}

func (i *Issuer) reject(err *identity.Error) error {
	obs.CodeRejections.WithLabelValues(string(err.Kind)).Inc()
	return err
}

func hashCode(key identity.Key, code string) string {
	sum := sha256.Sum256([]byte(key.String() + "\x00" + code))
	return hex.EncodeToString(sum[:])
}
