package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authlink.org/internal/auth"
	"authlink.org/internal/identity"
)

func newService(t *testing.T, store identity.Store, now *time.Time) *Service {
	t.Helper()
	svc, err := New(store,
		WithTokenSecret("test-secret"),
		WithIssuer("authlink-test"),
		WithTTL(time.Hour),
		WithClock(func() time.Time { return *now }),
		WithSecretVerifier(auth.Bcrypt{Cost: bcrypt.MinCost}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestBootstrapAndResolve(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := identity.NewMemoryStore()
	svc := newService(t, store, &now)

	sess, err := svc.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !sess.IsGuest || !strings.HasPrefix(sess.AccountID, "acc_") {
		t.Fatalf("unexpected session: %+v", sess)
	}
	got, err := svc.Resolve(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != sess.AccountID {
		t.Fatalf("resolved %s, want %s", got, sess.AccountID)
	}

	prof, err := svc.Profile(ctx, got)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if !prof.IsGuest || len(prof.Identities) != 0 {
		t.Fatalf("unexpected guest profile: %+v", prof)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.Resolve(ctx, sess.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestResolveRejectsForeignTokens(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := identity.NewMemoryStore()
	svc := newService(t, store, &now)

	other, err := New(store, WithTokenSecret("another-secret"), WithIssuer("authlink-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := other.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for _, token := range []string{"", "not-a-jwt", sess.Token} {
		if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
}

func TestResolveUnknownAccount(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	svc := newService(t, identity.NewMemoryStore(), &now)
	token, _, err := svc.signer.sign("acc_missing")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := identity.NewMemoryStore()
	svc := newService(t, store, &now)

	hash, err := auth.Bcrypt{Cost: bcrypt.MinCost}.Hash("pw")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := store.CreateAccount(ctx, identity.Account{ID: "acc_1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	key := identity.NewKey(identity.TypePassword, "user@example.com")
	if err := store.Put(ctx, identity.Identity{Key: key, AccountID: "acc_1", Secret: hash, ClaimedAt: now}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := svc.Login(ctx, identity.TypePassword, "user@example.com", "pw"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("unconfirmed identity must not log in, got %v", err)
	}

	if err := store.Put(ctx, identity.Identity{Key: key, AccountID: "acc_1", Secret: hash, Confirmed: true, ClaimedAt: now, ConfirmedAt: now}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := svc.Login(ctx, identity.TypePassword, "USER@example.com", "bad"); !errors.Is(err, identity.ErrIncorrectPassword) {
		t.Fatalf("expected ErrIncorrectPassword, got %v", err)
	}
	sess, err := svc.Login(ctx, identity.TypePassword, "USER@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AccountID != "acc_1" || sess.IsGuest {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if _, err := svc.Login(ctx, identity.TypeOTP, "+1", ""); !errors.Is(err, identity.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for otp login, got %v", err)
	}
}

func TestProfilePrefersConfirmed(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []identity.Identity{
		{Key: identity.NewKey(identity.TypeOTP, "+1"), Confirmed: true, ClaimedAt: base},
		{Key: identity.NewKey(identity.TypeOTP, "+2"), ClaimedAt: base.Add(time.Minute)},
		{Key: identity.NewKey(identity.TypeGoogle, "g-1"), ClaimedAt: base},
	}
	views := Views(rows)
	if v := views[identity.TypeOTP]; v.UID != "+1" || !v.Confirmed {
		t.Fatalf("unexpected otp view: %+v", v)
	}
	if v := views[identity.TypeGoogle]; v.UID != "g-1" || v.Confirmed {
		t.Fatalf("unexpected google view: %+v", v)
	}
}

func TestNewRequiresKeys(t *testing.T) {
	if _, err := New(identity.NewMemoryStore()); err == nil {
		t.Fatal("expected error without secret or keys")
	}
	if _, err := New(identity.NewMemoryStore(), WithRS256Keys("x", "")); err == nil {
		t.Fatal("expected error for half key pair")
	}
}
