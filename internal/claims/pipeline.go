package claims

import (
	"context"
	"errors"
	"fmt"

	"authlink.org/internal/identity"
)

// snapshot is everything the guards look at, read once per request.
type snapshot struct {
	req  Request
	desc identity.Descriptor
	key  identity.Key

	own    []identity.Identity
	active identity.Identity
	found  bool
	// ownClaim is the acting account's row for key, if it holds one.
	ownClaim    identity.Identity
	hasOwnClaim bool
}

func (r *Resolver) snapshot(ctx context.Context, req Request, desc identity.Descriptor, key identity.Key) (*snapshot, error) {
	acc, err := r.store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, identity.ErrNotFound) || (err == nil && acc.Retired()) {
		return nil, identity.Errorf(identity.KindUserNotFound, "account %s not found", req.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	own, err := r.store.ListByAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	rows, err := r.store.Claims(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load claims: %w", err)
	}
	s := &snapshot{req: req, desc: desc, key: key, own: own}
	s.active, s.found = identity.Active(rows)
	for _, row := range rows {
		if row.AccountID == req.AccountID {
			s.ownClaim, s.hasOwnClaim = row, true
		}
	}
	return s, nil
}

// guard rejects a request or lets it through to the next guard.
type guard struct {
	name  string
	check func(s *snapshot) error
}

// guards run in order; the first rejection wins.
var guards = []guard{
	{"self_duplicate", selfDuplicate},
	{"unconfirmed_primary", unconfirmedPrimary},
	{"type_slot", typeSlot},
}

func runGuards(s *snapshot) error {
	for _, g := range guards {
		if err := g.check(s); err != nil {
			return err
		}
	}
	return nil
}

// selfDuplicate: the acting account already owns the key confirmed.
func selfDuplicate(s *snapshot) error {
	for _, row := range s.own {
		if row.Key == s.key && row.Confirmed {
			return identity.ErrAuthIdentityAlreadyExists
		}
	}
	return nil
}

// unconfirmedPrimary: password-like identities cannot be attached while the
// account still has another password-like identity awaiting confirmation.
func unconfirmedPrimary(s *snapshot) error {
	if s.desc.Class != identity.ClassPassword {
		return nil
	}
	for _, row := range s.own {
		if row.Key == s.key || row.Confirmed {
			continue
		}
		if d, ok := identity.Lookup(row.Type); ok && d.Class == identity.ClassPassword {
			return identity.ErrUserNotConfirmed
		}
	}
	return nil
}

// typeSlot: an account holds one confirmed identity per non-multi type.
func typeSlot(s *snapshot) error {
	if s.desc.Multi {
		return nil
	}
	for _, row := range s.own {
		if row.Confirmed && row.Type == s.key.Type && row.Key != s.key {
			return identity.ErrAlreadyAuth
		}
	}
	return nil
}

// branch classifies the active row relative to the acting account.
type branch int

const (
	branchUnclaimed branch = iota
	branchConfirmedElsewhere
	branchPendingElsewhere
	branchPendingOwn
)

func (s *snapshot) branch() branch {
	switch {
	case !s.found:
		return branchUnclaimed
	case s.active.Confirmed:
		// selfDuplicate already rejected the acting account's own confirmed row.
		return branchConfirmedElsewhere
	case s.active.AccountID == s.req.AccountID:
		return branchPendingOwn
	default:
		return branchPendingElsewhere
	}
}
