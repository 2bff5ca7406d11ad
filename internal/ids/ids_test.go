package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestAccountIDRoundTripTime(t *testing.T) {
	id := NewAccountID()
	if !strings.HasPrefix(id, AccountPrefix) {
		t.Fatalf("missing prefix: %s", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Fatalf("unexpected embedded time %v", ts)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
