// Package merge moves the identities of a donor account into a destination
// account in one transaction and reports the identities that cannot move.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authlink.org/internal/identity"
	"authlink.org/internal/obs"
)

// maxRescopes bounds how often a merge re-plans when the donor or destination
// gained identities between the unlocked read and lock acquisition.
const maxRescopes = 3

var errRescope = errors.New("merge: scope changed")

// Transactor executes merges against an identity store.
type Transactor struct {
	store identity.Store
	now   func() time.Time
}

// Option configures a Transactor.
type Option func(*Transactor)

// WithClock overrides the time source used for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transactor) { t.now = now }
}

func New(store identity.Store, opts ...Option) *Transactor {
	t := &Transactor{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Plan computes the outcome of merging donor into dest without touching
// storage. The trigger identity always moves and is listed first. Donor
// pending claims are dropped silently.
func Plan(donor, dest []identity.Identity, trigger identity.Key, destID string) identity.MergeOutcome {
	occupied := make(map[identity.Type]bool)
	for _, r := range dest {
		if r.Confirmed {
			occupied[r.Type] = true
		}
	}
	occupied[trigger.Type] = true

	out := identity.MergeOutcome{
		ResultAccountID: destID,
		Moved:           []identity.Key{trigger},
		Lost:            []identity.LostIdentity{},
	}
	for _, r := range donor {
		if r.Key == trigger || !r.Confirmed {
			continue
		}
		desc, _ := identity.Lookup(r.Type)
		if occupied[r.Type] && !desc.Multi {
			out.Lost = append(out.Lost, identity.LostIdentity{
				Type:   r.Type,
				UID:    r.UID,
				Reason: identity.ReasonAuthMethodExists,
			})
			continue
		}
		occupied[r.Type] = true
		out.Moved = append(out.Moved, r.Key)
	}
	return out
}

// Preview returns the dry-run outcome from the current committed state.
func (t *Transactor) Preview(ctx context.Context, donorID, destID string, trigger identity.Key) (identity.MergeOutcome, error) {
	donor, err := t.store.ListByAccount(ctx, donorID)
	if err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("list donor identities: %w", err)
	}
	dest, err := t.store.ListByAccount(ctx, destID)
	if err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("list destination identities: %w", err)
	}
	return Plan(donor, dest, trigger, destID), nil
}

// Merge moves every identity of donorID into destID, attaching trigger (a
// confirmed donor identity) to destID and retiring the donor. Nothing is
// written unless every step succeeds.
func (t *Transactor) Merge(ctx context.Context, donorID, destID string, trigger identity.Key) (identity.MergeOutcome, error) {
	if donorID == destID {
		return identity.MergeOutcome{}, identity.ErrCannotMergeSelf
	}
	for attempt := 0; attempt < maxRescopes; attempt++ {
		scope, err := t.scope(ctx, donorID, destID, trigger)
		if err != nil {
			return identity.MergeOutcome{}, err
		}
		var out identity.MergeOutcome
		err = t.store.Atomic(ctx, scope, func(ctx context.Context, tx identity.Tx) error {
			var err error
			out, err = t.apply(ctx, tx, scope, donorID, destID, trigger)
			return err
		})
		if errors.Is(err, errRescope) {
			continue
		}
		if err != nil {
			return identity.MergeOutcome{}, err
		}
		obs.MergesTotal.Inc()
		obs.MergeLostIdentities.Add(float64(len(out.Lost)))
		return out, nil
	}
	return identity.MergeOutcome{}, fmt.Errorf("merge %s into %s: %w", donorID, destID, identity.ErrConflict)
}

func (t *Transactor) scope(ctx context.Context, donorID, destID string, trigger identity.Key) (identity.Scope, error) {
	scope := identity.Scope{Keys: []identity.Key{trigger}, Accounts: []string{donorID, destID}}
	for _, id := range []string{donorID, destID} {
		rows, err := t.store.ListByAccount(ctx, id)
		if err != nil {
			return identity.Scope{}, fmt.Errorf("list identities of %s: %w", id, err)
		}
		for _, r := range rows {
			scope.Keys = append(scope.Keys, r.Key)
		}
	}
	return scope, nil
}

func covered(scope identity.Scope, rows []identity.Identity) bool {
	keys := make(map[identity.Key]struct{}, len(scope.Keys))
	for _, k := range scope.Keys {
		keys[k] = struct{}{}
	}
	for _, r := range rows {
		if _, ok := keys[r.Key]; !ok {
			return false
		}
	}
	return true
}

func (t *Transactor) apply(ctx context.Context, tx identity.Tx, scope identity.Scope, donorID, destID string, trigger identity.Key) (identity.MergeOutcome, error) {
	donorAcc, err := tx.GetAccount(ctx, donorID)
	if err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("load donor %s: %w", donorID, err)
	}
	destAcc, err := tx.GetAccount(ctx, destID)
	if err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("load destination %s: %w", destID, err)
	}
	if donorAcc.Retired() || destAcc.Retired() {
		return identity.MergeOutcome{}, identity.Errorf(identity.KindUserNotFound, "account already merged")
	}

	donor, err := tx.ListByAccount(ctx, donorID)
	if err != nil {
		return identity.MergeOutcome{}, err
	}
	dest, err := tx.ListByAccount(ctx, destID)
	if err != nil {
		return identity.MergeOutcome{}, err
	}
	if !covered(scope, donor) || !covered(scope, dest) {
		return identity.MergeOutcome{}, errRescope
	}

	active, err := tx.Find(ctx, trigger)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return identity.MergeOutcome{}, identity.ErrUserNotFound
	case err != nil:
		return identity.MergeOutcome{}, err
	case active.Confirmed && active.AccountID == destID:
		return identity.MergeOutcome{}, identity.ErrAuthIdentityAlreadyExists
	case !active.Confirmed || active.AccountID != donorID:
		return identity.MergeOutcome{}, identity.ErrUserExist
	}
	triggerDesc, _ := identity.Lookup(trigger.Type)
	for _, r := range dest {
		if r.Confirmed && r.Type == trigger.Type && !triggerDesc.Multi {
			return identity.MergeOutcome{}, identity.ErrAlreadyAuth
		}
	}

	out := Plan(donor, dest, trigger, destID)

	taken := make(map[identity.Type]bool, len(out.Moved))
	incoming := make(map[identity.Key]bool, len(out.Moved))
	for _, k := range out.Moved {
		taken[k.Type] = true
		incoming[k] = true
	}
	// Destination pending claims give way to the confirmed identities moving in.
	for _, r := range dest {
		if r.Confirmed {
			continue
		}
		desc, _ := identity.Lookup(r.Type)
		if incoming[r.Key] || (taken[r.Type] && !desc.Multi) {
			if err := tx.Delete(ctx, r.Key, destID); err != nil {
				return identity.MergeOutcome{}, fmt.Errorf("drop pending %s: %w", r.Key, err)
			}
		}
	}

	moved := make(map[identity.Key]bool, len(out.Moved))
	for _, k := range out.Moved {
		moved[k] = true
		if k == trigger {
			continue
		}
		if err := tx.Reparent(ctx, k, donorID, destID); err != nil {
			return identity.MergeOutcome{}, fmt.Errorf("reparent %s: %w", k, err)
		}
	}
	for _, r := range donor {
		if moved[r.Key] {
			continue
		}
		if err := tx.Delete(ctx, r.Key, donorID); err != nil {
			return identity.MergeOutcome{}, fmt.Errorf("drop %s: %w", r.Key, err)
		}
	}
	if err := tx.Reparent(ctx, trigger, donorID, destID); err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("reparent %s: %w", trigger, err)
	}

	now := t.now().UTC()
	donorAcc.MergedInto = destID
	donorAcc.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, donorAcc); err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("retire donor: %w", err)
	}
	destAcc.IsGuest = false
	destAcc.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, destAcc); err != nil {
		return identity.MergeOutcome{}, fmt.Errorf("update destination: %w", err)
	}
	return out, nil
}
