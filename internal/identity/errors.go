package identity

import (
	"errors"
	"fmt"
)

// Storage-level errors.
var (
	ErrNotFound    = errors.New("identity: not found")
	ErrConflict    = errors.New("identity: conflict")
	ErrUnknownType = errors.New("identity: unknown type")
)

// Kind is the machine-readable code returned to clients.
type Kind string

const (
	KindUserNotFound              Kind = "user_not_found"
	KindUserNotConfirmed          Kind = "user_not_confirmed"
	KindUserExist                 Kind = "user_exist"
	KindAuthIdentityAlreadyExists Kind = "auth_identity_already_exists"
	KindAlreadyAuth               Kind = "already_auth"
	KindInvalidCode               Kind = "invalid_code"
	KindCodeExpired               Kind = "code_expired"
	KindCodeTimeout               Kind = "code_timeout"
	KindIncorrectPassword         Kind = "incorrect_password"
	KindInvalidAuthToken          Kind = "invalid_auth_token"
	KindMergeWarning              Kind = "merge_warning"
	KindCannotMergeSelf           Kind = "cannot_merge_self"
)

// Error is a domain rejection. Errors of the same kind match with errors.Is
// regardless of message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUserNotFound              = &Error{Kind: KindUserNotFound, Msg: "no matching claim or identity"}
	ErrUserNotConfirmed          = &Error{Kind: KindUserNotConfirmed, Msg: "primary credential is not confirmed"}
	ErrUserExist                 = &Error{Kind: KindUserExist, Msg: "identity is claimed by another account"}
	ErrAuthIdentityAlreadyExists = &Error{Kind: KindAuthIdentityAlreadyExists, Msg: "identity already exists"}
	ErrAlreadyAuth               = &Error{Kind: KindAlreadyAuth, Msg: "account already holds this auth method"}
	ErrInvalidCode               = &Error{Kind: KindInvalidCode, Msg: "invalid confirmation code"}
	ErrCodeExpired               = &Error{Kind: KindCodeExpired, Msg: "confirmation code expired"}
	ErrCodeTimeout               = &Error{Kind: KindCodeTimeout, Msg: "confirmation code was sent recently"}
	ErrIncorrectPassword         = &Error{Kind: KindIncorrectPassword, Msg: "incorrect password"}
	ErrInvalidAuthToken          = &Error{Kind: KindInvalidAuthToken, Msg: "invalid auth token"}
	ErrMergeWarning              = &Error{Kind: KindMergeWarning, Msg: "merge requires confirmation"}
	ErrCannotMergeSelf           = &Error{Kind: KindCannotMergeSelf, Msg: "cannot merge an account into itself"}
)

// Errorf returns an error of the given kind with a specific message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the domain kind carried by err, or "" for infrastructure
// failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MergeWarning rejects a merge that was not explicitly confirmed and carries
// the preview of identities the merge would drop.
type MergeWarning struct {
	DonorAccountID string
	Lost           []LostIdentity
}

func (w *MergeWarning) Error() string {
	return fmt.Sprintf("%s: %d identities would be lost", KindMergeWarning, len(w.Lost))
}

func (w *MergeWarning) Unwrap() error { return ErrMergeWarning }
