package identity

import (
	"fmt"
	"sort"
	"strings"
)

// Type names an authentication method.
type Type string

const (
	TypePassword          Type = "password"
	TypePasswordSecondary Type = "password_secondary"
	TypeOTP               Type = "otp"
	TypeOTPSecondary      Type = "otp_secondary"
	TypeGoogle            Type = "google"
	TypeApple             Type = "apple"
	TypeFacebook          Type = "facebook"
)

// Class groups types that share a credential check.
type Class int

const (
	ClassPassword Class = iota + 1
	ClassOTP
	ClassSocial
)

func (c Class) String() string {
	switch c {
	case ClassPassword:
		return "password"
	case ClassOTP:
		return "otp"
	case ClassSocial:
		return "social"
	default:
		return "unknown"
	}
}

// Descriptor describes how a type is claimed and confirmed.
type Descriptor struct {
	Type  Type
	Class Class
	// Secondary marks the second instance of a class (a backup email or phone).
	Secondary bool
	// Multi allows an account to hold several confirmed identities of the type.
	Multi bool
}

// CodeConfirmed reports whether linking the type is confirmed by a code sent
// to the uid. Social types are proven by the provider token instead.
func (d Descriptor) CodeConfirmed() bool {
	return d.Class == ClassPassword || d.Class == ClassOTP
}

var registry = map[Type]Descriptor{
	TypePassword:          {Type: TypePassword, Class: ClassPassword},
	TypePasswordSecondary: {Type: TypePasswordSecondary, Class: ClassPassword, Secondary: true},
	TypeOTP:               {Type: TypeOTP, Class: ClassOTP},
	TypeOTPSecondary:      {Type: TypeOTPSecondary, Class: ClassOTP, Secondary: true},
	TypeGoogle:            {Type: TypeGoogle, Class: ClassSocial},
	TypeApple:             {Type: TypeApple, Class: ClassSocial},
	TypeFacebook:          {Type: TypeFacebook, Class: ClassSocial},
}

// Lookup returns the descriptor of a known type.
func Lookup(t Type) (Descriptor, bool) {
	d, ok := registry[t]
	return d, ok
}

// Types lists known types in name order.
func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseType validates a wire value.
func ParseType(s string) (Descriptor, error) {
	d, ok := Lookup(Type(strings.TrimSpace(strings.ToLower(s))))
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return d, nil
}

// Key is the globally unique handle of an identity.
type Key struct {
	Type Type   `json:"type"`
	UID  string `json:"uid"`
}

func (k Key) String() string { return string(k.Type) + ":" + k.UID }

// NewKey builds a key with a normalised uid. Emails compare case-insensitively
// and phone numbers ignore separators.
func NewKey(t Type, uid string) Key {
	return Key{Type: t, UID: NormalizeUID(t, uid)}
}

// NormalizeUID canonicalises uid for the class of t.
func NormalizeUID(t Type, uid string) string {
	uid = strings.TrimSpace(uid)
	d, ok := Lookup(t)
	if !ok {
		return uid
	}
	switch d.Class {
	case ClassPassword:
		return strings.ToLower(uid)
	case ClassOTP:
		return strings.Map(func(r rune) rune {
			switch r {
			case ' ', '-', '(', ')', '.':
				return -1
			}
			return r
		}, uid)
	default:
		return uid
	}
}
