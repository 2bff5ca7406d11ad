package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Account identifiers carry a short prefix so they are recognisable in logs.
const AccountPrefix = "acc_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	return At(time.Now())
}

// At returns an identifier whose timestamp component is t. Identifiers minted
// within the same millisecond keep increasing.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewAccountID returns a fresh account identifier.
func NewAccountID() string {
	return AccountPrefix + New()
}

// Time extracts the timestamp embedded in an identifier produced by New or
// NewAccountID.
func Time(id string) (time.Time, bool) {
	if len(id) > len(AccountPrefix) && id[:len(AccountPrefix)] == AccountPrefix {
		id = id[len(AccountPrefix):]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
