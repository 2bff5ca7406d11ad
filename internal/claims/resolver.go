// Package claims decides whether attaching an identity to an account is a
// link, a merge or a rejection, and drives the confirmation of that decision.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authlink.org/internal/audit"
	"authlink.org/internal/auth"
	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
	"authlink.org/internal/merge"
	"authlink.org/internal/obs"
)

// ErrInvalidRequest reports malformed input (missing uid, secret or token).
var ErrInvalidRequest = errors.New("claims: invalid request")

// Action is the decision returned by Init.
type Action string

const (
	ActionLink  Action = "link"
	ActionMerge Action = "merge"
)

// Request carries one init or confirm call.
type Request struct {
	AccountID string
	Type      identity.Type
	UID       string
	// Secret is the password for password types: stored on link, checked on merge.
	Secret        string
	Code          string
	ProviderToken string
	ConfirmMerge  bool
}

// InitResult tells the client what to do next.
type InitResult struct {
	Key                 identity.Key
	Action              Action
	ConfirmCodeRequired bool
}

// ConfirmResult is the state after a successful confirmation.
type ConfirmResult struct {
	Key       identity.Key
	Action    Action
	AccountID string
	// Outcome is set for merges.
	Outcome *identity.MergeOutcome
}

// Resolver implements the claim state machine.
type Resolver struct {
	store   identity.Store
	codes   *codes.Issuer
	merger  *merge.Transactor
	secrets auth.SecretVerifier
	tokens  auth.TokenVerifier
	window  time.Duration
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithSecretVerifier(v auth.SecretVerifier) Option { return func(r *Resolver) { r.secrets = v } }
func WithTokenVerifier(v auth.TokenVerifier) Option   { return func(r *Resolver) { r.tokens = v } }
func WithClock(now func() time.Time) Option           { return func(r *Resolver) { r.now = now } }

// WithClaimWindow sets how long a pending claim blocks competing claimants.
// It defaults to the issuer cooldown.
func WithClaimWindow(d time.Duration) Option { return func(r *Resolver) { r.window = d } }

func New(store identity.Store, issuer *codes.Issuer, merger *merge.Transactor, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		codes:   issuer,
		merger:  merger,
		secrets: auth.Bcrypt{},
		tokens:  auth.Providers{},
		window:  issuer.Cooldown(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init starts a claim of (type, uid) for the acting account.
func (r *Resolver) Init(ctx context.Context, req Request) (res InitResult, err error) {
	defer func() { record("init", string(res.Action), err) }()

	desc, key, err := r.resolveKey(ctx, req, true)
	if err != nil {
		return InitResult{}, err
	}
	s, err := r.snapshot(ctx, req, desc, key)
	if err != nil {
		return InitResult{}, err
	}
	if err := runGuards(s); err != nil {
		return InitResult{}, err
	}

	switch s.branch() {
	case branchConfirmedElsewhere:
		return r.initMerge(ctx, s)
	case branchPendingElsewhere:
		if r.now().Before(s.active.ClaimedAt.Add(r.window)) {
			return InitResult{}, identity.ErrAuthIdentityAlreadyExists
		}
	}
	return r.initLink(ctx, s)
}

func (r *Resolver) initLink(ctx context.Context, s *snapshot) (InitResult, error) {
	row := identity.Identity{
		Key:       s.key,
		AccountID: s.req.AccountID,
		ClaimedAt: r.now().UTC(),
	}
	if s.desc.Class == identity.ClassPassword {
		if s.req.Secret == "" {
			if !s.hasOwnClaim || s.ownClaim.Secret == "" {
				return InitResult{}, fmt.Errorf("%w: password is required", ErrInvalidRequest)
			}
			row.Secret = s.ownClaim.Secret
		} else {
			hash, err := r.secrets.Hash(s.req.Secret)
			if errors.Is(err, auth.ErrSecretTooLong) {
				return InitResult{}, fmt.Errorf("%w: password exceeds 72 bytes", ErrInvalidRequest)
			}
			if err != nil {
				return InitResult{}, err
			}
			row.Secret = hash
		}
	}
	if s.desc.CodeConfirmed() {
		if _, err := r.codes.Issue(ctx, s.key, s.req.AccountID); err != nil {
			return InitResult{}, err
		}
	}
	if err := r.store.Atomic(ctx, r.linkScope(s), func(ctx context.Context, tx identity.Tx) error {
		// Other pending claims of the same type on this account are replaced.
		own, err := tx.ListByAccount(ctx, s.req.AccountID)
		if err != nil {
			return err
		}
		for _, o := range own {
			if !o.Confirmed && o.Type == s.key.Type && o.Key != s.key && !s.desc.Multi {
				if err := tx.Delete(ctx, o.Key, o.AccountID); err != nil {
					return err
				}
			}
		}
		return tx.Put(ctx, row)
	}); err != nil {
		return InitResult{}, fmt.Errorf("store claim: %w", err)
	}
	_ = audit.LogEvent(ctx, audit.EventLinkInit, map[string]any{"type": string(s.key.Type), "uid": s.key.UID})
	return InitResult{Key: s.key, Action: ActionLink, ConfirmCodeRequired: s.desc.CodeConfirmed()}, nil
}

func (r *Resolver) initMerge(ctx context.Context, s *snapshot) (InitResult, error) {
	// A stale pending claim of ours would make a later confirmation fail with
	// user_exist; asking again means the caller now wants the merge.
	if s.hasOwnClaim && !s.ownClaim.Confirmed {
		if err := r.store.Delete(ctx, s.key, s.req.AccountID); err != nil && !errors.Is(err, identity.ErrNotFound) {
			return InitResult{}, fmt.Errorf("drop stale claim: %w", err)
		}
	}
	needsCode := s.desc.Class == identity.ClassOTP
	if needsCode {
		if _, err := r.codes.Issue(ctx, s.key, s.req.AccountID); err != nil {
			return InitResult{}, err
		}
	}
	_ = audit.LogEvent(ctx, audit.EventMergeInit, map[string]any{
		"type":  string(s.key.Type),
		"uid":   s.key.UID,
		"donor": s.active.AccountID,
	})
	return InitResult{Key: s.key, Action: ActionMerge, ConfirmCodeRequired: needsCode}, nil
}

// Confirm completes a claim started by Init.
func (r *Resolver) Confirm(ctx context.Context, req Request) (res ConfirmResult, err error) {
	defer func() { record("confirm", string(res.Action), err) }()

	desc, key, err := r.resolveKey(ctx, req, false)
	if err != nil {
		return ConfirmResult{}, err
	}
	s, err := r.snapshot(ctx, req, desc, key)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := runGuards(s); err != nil {
		return ConfirmResult{}, err
	}

	switch s.branch() {
	case branchUnclaimed:
		return ConfirmResult{}, identity.ErrUserNotFound
	case branchPendingElsewhere:
		return ConfirmResult{}, identity.ErrUserExist
	case branchConfirmedElsewhere:
		return r.confirmMerge(ctx, s)
	default:
		return r.confirmLink(ctx, s)
	}
}

func (r *Resolver) confirmLink(ctx context.Context, s *snapshot) (ConfirmResult, error) {
	if err := r.verifyClaim(ctx, s); err != nil {
		return ConfirmResult{}, err
	}
	now := r.now().UTC()
	err := r.store.Atomic(ctx, r.linkScope(s), func(ctx context.Context, tx identity.Tx) error {
		active, err := tx.Find(ctx, s.key)
		if errors.Is(err, identity.ErrNotFound) {
			return identity.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if active.AccountID != s.req.AccountID {
			return identity.ErrUserExist
		}
		if active.Confirmed {
			return identity.ErrAuthIdentityAlreadyExists
		}
		active.Confirmed = true
		active.ConfirmedAt = now
		if err := tx.Put(ctx, active); err != nil {
			if errors.Is(err, identity.ErrConflict) {
				return identity.ErrUserExist
			}
			return err
		}
		acc, err := tx.GetAccount(ctx, s.req.AccountID)
		if err != nil {
			return err
		}
		if acc.IsGuest {
			acc.IsGuest = false
			acc.UpdatedAt = now
			return tx.UpdateAccount(ctx, acc)
		}
		return nil
	})
	if err != nil {
		if identity.KindOf(err) != "" {
			return ConfirmResult{}, err
		}
		if errors.Is(err, identity.ErrConflict) {
			return ConfirmResult{}, identity.ErrUserExist
		}
		return ConfirmResult{}, fmt.Errorf("confirm claim: %w", err)
	}
	_ = audit.LogEvent(ctx, audit.EventLinked, map[string]any{"type": string(s.key.Type), "uid": s.key.UID})
	return ConfirmResult{Key: s.key, Action: ActionLink, AccountID: s.req.AccountID}, nil
}

func (r *Resolver) confirmMerge(ctx context.Context, s *snapshot) (ConfirmResult, error) {
	if s.hasOwnClaim {
		// Our link claim lost to the account that confirmed first.
		return ConfirmResult{}, identity.ErrUserExist
	}
	donorID := s.active.AccountID
	if !s.req.ConfirmMerge {
		preview, err := r.merger.Preview(ctx, donorID, s.req.AccountID, s.key)
		if err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{}, &identity.MergeWarning{DonorAccountID: donorID, Lost: preview.Lost}
	}
	if err := r.verifyMerge(ctx, s); err != nil {
		return ConfirmResult{}, err
	}
	out, err := r.merger.Merge(ctx, donorID, s.req.AccountID, s.key)
	if err != nil {
		return ConfirmResult{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventMerged, map[string]any{
		"type":  string(s.key.Type),
		"uid":   s.key.UID,
		"donor": donorID,
		"lost":  len(out.Lost),
	})
	return ConfirmResult{Key: s.key, Action: ActionMerge, AccountID: out.ResultAccountID, Outcome: &out}, nil
}

// linkScope locks the key and the acting account.
func (r *Resolver) linkScope(s *snapshot) identity.Scope {
	scope := identity.Scope{Keys: []identity.Key{s.key}, Accounts: []string{s.req.AccountID}}
	for _, o := range s.own {
		if o.Type == s.key.Type {
			scope.Keys = append(scope.Keys, o.Key)
		}
	}
	return scope
}

// resolveKey validates the type and derives the key. On init a social uid
// may be taken from the provider token.
func (r *Resolver) resolveKey(ctx context.Context, req Request, init bool) (identity.Descriptor, identity.Key, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return identity.Descriptor{}, identity.Key{}, fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	desc, err := identity.ParseType(string(req.Type))
	if err != nil {
		return identity.Descriptor{}, identity.Key{}, err
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" && init && desc.Class == identity.ClassSocial && req.ProviderToken != "" {
		subject, err := r.verifyToken(ctx, desc.Type, req.ProviderToken)
		if err != nil {
			return identity.Descriptor{}, identity.Key{}, err
		}
		uid = subject
	}
	if uid == "" {
		return identity.Descriptor{}, identity.Key{}, fmt.Errorf("%w: uid is required", ErrInvalidRequest)
	}
	return desc, identity.NewKey(desc.Type, uid), nil
}

func record(op, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(identity.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	if action == "" {
		action = "none"
	}
	obs.ClaimsTotal.WithLabelValues(op, action, outcome).Inc()
}
