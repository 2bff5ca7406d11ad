package identity

import (
	"context"
	"sort"
	"time"
)

// Reader exposes the read side of the identity store.
type Reader interface {
	// Find returns the active row for key (see Active) or ErrNotFound.
	Find(ctx context.Context, key Key) (Identity, error)
	// Claims returns every row held for key across accounts.
	Claims(ctx context.Context, key Key) ([]Identity, error)
	ListByAccount(ctx context.Context, accountID string) ([]Identity, error)
	GetAccount(ctx context.Context, id string) (Account, error)
}

// Tx is the read/write surface available inside Store.Atomic.
type Tx interface {
	Reader
	// Put upserts the row identified by (key, account). A confirmed row fails
	// with ErrConflict when another account already holds the key confirmed.
	Put(ctx context.Context, id Identity) error
	Delete(ctx context.Context, key Key, accountID string) error
	Reparent(ctx context.Context, key Key, fromAccountID, toAccountID string) error
	CreateAccount(ctx context.Context, acc Account) error
	UpdateAccount(ctx context.Context, acc Account) error
}

// Store persists accounts and identities. Outside Atomic each write is its
// own transaction. Code inside an Atomic callback must use the Tx it was
// handed; calling back into the Store there can deadlock.
type Store interface {
	Tx
	// Atomic runs fn holding exclusive access to every name in scope. Writes
	// become visible together when fn returns nil and are discarded otherwise.
	Atomic(ctx context.Context, scope Scope, fn func(ctx context.Context, tx Tx) error) error
	// SweepPending removes unconfirmed rows claimed before the cutoff.
	SweepPending(ctx context.Context, before time.Time) (int, error)
}

// Scope lists the keys and accounts a transaction touches.
type Scope struct {
	Keys     []Key
	Accounts []string
}

// LockNames returns the deduplicated lock names of the scope in acquisition
// order. Every implementation locks in this order to stay deadlock free.
func (s Scope) LockNames() []string {
	seen := make(map[string]struct{}, len(s.Keys)+len(s.Accounts))
	out := make([]string, 0, len(s.Keys)+len(s.Accounts))
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, id := range s.Accounts {
		if id != "" {
			add("account/" + id)
		}
	}
	for _, k := range s.Keys {
		add("identity/" + k.String())
	}
	sort.Strings(out)
	return out
}
