package codes

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"authlink.org/internal/identity"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestIssuer(t *testing.T) (*Issuer, *fakeClock, *[]string) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var sent []string
	iss := NewIssuer(NewMemoryStore(),
		WithGenerator(FixedGenerator("123456")),
		WithSender(SenderFunc(func(_ context.Context, key identity.Key, code string) error {
			sent = append(sent, key.String()+"="+code)
			return nil
		})),
		WithTTL(5*time.Minute),
		WithCooldown(time.Minute),
		WithClock(clock.Now),
	)
	return iss, clock, &sent
}

func TestIssueRespectsCooldown(t *testing.T) {
	iss, clock, sent := newTestIssuer(t)
	ctx := context.Background()
	key := identity.NewKey(identity.TypeOTP, "+15550001")

	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	clock.Advance(30 * time.Second)
	_, err := iss.Issue(ctx, key, "acc-a")
	if !errors.Is(err, identity.ErrCodeTimeout) {
		t.Fatalf("expected code_timeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Remaining != 30*time.Second {
		t.Fatalf("unexpected remaining: %+v", te)
	}
	if !iss.InCooldown(ctx, key) {
		t.Fatal("expected key to be cooling down")
	}
	if len(*sent) != 1 {
		t.Fatalf("no code may be sent during cooldown, sent=%v", *sent)
	}

	clock.Advance(31 * time.Second)
	if iss.InCooldown(ctx, key) {
		t.Fatal("cooldown should have elapsed")
	}
	rec, err := iss.Issue(ctx, key, "acc-b")
	if err != nil {
		t.Fatalf("issue after cooldown: %v", err)
	}
	if rec.AccountID != "acc-b" {
		t.Fatalf("newest claimant should own the code, got %s", rec.AccountID)
	}
	if len(*sent) != 2 {
		t.Fatalf("expected second delivery, sent=%v", *sent)
	}
}

func TestIssueCooldownIsPerKey(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()
	if _, err := iss.Issue(ctx, identity.NewKey(identity.TypeOTP, "+1"), "acc"); err != nil {
		t.Fatalf("issue +1: %v", err)
	}
	if _, err := iss.Issue(ctx, identity.NewKey(identity.TypeOTP, "+2"), "acc"); err != nil {
		t.Fatalf("issue +2: %v", err)
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()
	key := identity.NewKey(identity.TypePassword, "a@example.com")
	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := iss.Verify(ctx, key, "acc-a", "000000"); !errors.Is(err, identity.ErrInvalidCode) {
		t.Fatalf("expected invalid_code, got %v", err)
	}
	if err := iss.Verify(ctx, key, "acc-a", "123456"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := iss.Verify(ctx, key, "acc-a", "123456"); !errors.Is(err, identity.ErrInvalidCode) {
		t.Fatalf("second use must fail with invalid_code, got %v", err)
	}
}

func TestVerifyRejectsOtherClaimantAndExpiry(t *testing.T) {
	iss, clock, _ := newTestIssuer(t)
	ctx := context.Background()
	key := identity.NewKey(identity.TypeOTP, "+15550002")
	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := iss.Verify(ctx, key, "acc-b", "123456"); !errors.Is(err, identity.ErrUserExist) {
		t.Fatalf("expected user_exist, got %v", err)
	}

	clock.Advance(5 * time.Minute)
	if err := iss.Verify(ctx, key, "acc-a", "123456"); !errors.Is(err, identity.ErrCodeExpired) {
		t.Fatalf("expected code_expired, got %v", err)
	}
	if _, err := iss.Peek(ctx, key); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expired record should be dropped, got %v", err)
	}
}

func TestVerifyBurnsCodeAfterMaxAttempts(t *testing.T) {
	iss, clock, _ := newTestIssuer(t)
	ctx := context.Background()
	key := identity.NewKey(identity.TypeOTP, "+15550003")

	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	for n := 1; n <= DefaultMaxAttempts; n++ {
		if err := iss.Verify(ctx, key, "acc-a", "000000"); !errors.Is(err, identity.ErrInvalidCode) {
			t.Fatalf("guess %d: expected invalid_code, got %v", n, err)
		}
	}
	if err := iss.Verify(ctx, key, "acc-a", "123456"); !errors.Is(err, identity.ErrInvalidCode) {
		t.Fatalf("code must be burnt after %d wrong guesses, got %v", DefaultMaxAttempts, err)
	}
	if _, err := iss.Peek(ctx, key); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("burnt code must be gone, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if err := iss.Verify(ctx, key, "acc-a", "000000"); !errors.Is(err, identity.ErrInvalidCode) {
		t.Fatalf("expected invalid_code, got %v", err)
	}
	if err := iss.Verify(ctx, key, "acc-a", "123456"); err != nil {
		t.Fatalf("fresh code keeps its own budget: %v", err)
	}
}

func TestWithMaxAttempts(t *testing.T) {
	iss := NewIssuer(NewMemoryStore(), WithGenerator(FixedGenerator("123456")), WithMaxAttempts(1))
	ctx := context.Background()
	key := identity.NewKey(identity.TypeOTP, "+15550004")

	if _, err := iss.Issue(ctx, key, "acc-a"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	_ = iss.Verify(ctx, key, "acc-a", "999999")
	if err := iss.Verify(ctx, key, "acc-a", "123456"); !errors.Is(err, identity.ErrInvalidCode) {
		t.Fatalf("single wrong guess must burn the code, got %v", err)
	}
}

func TestRandomGenerator(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{8}$`)
	g := RandomGenerator{Digits: 8}
	for i := 0; i < 50; i++ {
		code, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !re.MatchString(code) {
			t.Fatalf("unexpected code %q", code)
		}
	}
	if _, err := FixedGenerator("").Generate(); err == nil {
		t.Fatal("empty fixed code should fail")
	}
}
