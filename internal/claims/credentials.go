package claims

import (
	"context"
	"errors"
	"fmt"

	"authlink.org/internal/auth"
	"authlink.org/internal/identity"
)

// verifyClaim proves ownership of a pending link claim.
func (r *Resolver) verifyClaim(ctx context.Context, s *snapshot) error {
	if s.desc.CodeConfirmed() {
		return r.verifyCode(ctx, s)
	}
	return r.verifySubject(ctx, s)
}

// verifyMerge proves ownership of an identity confirmed on another account.
func (r *Resolver) verifyMerge(ctx context.Context, s *snapshot) error {
	switch s.desc.Class {
	case identity.ClassPassword:
		err := r.secrets.Verify(s.active.Secret, s.req.Secret)
		if errors.Is(err, auth.ErrSecretMismatch) {
			return identity.ErrIncorrectPassword
		}
		return err
	case identity.ClassOTP:
		return r.verifyCode(ctx, s)
	default:
		return r.verifySubject(ctx, s)
	}
}

func (r *Resolver) verifyCode(ctx context.Context, s *snapshot) error {
	if s.req.Code == "" {
		return identity.ErrInvalidCode
	}
	return r.codes.Verify(ctx, s.key, s.req.AccountID, s.req.Code)
}

func (r *Resolver) verifySubject(ctx context.Context, s *snapshot) error {
	subject, err := r.verifyToken(ctx, s.key.Type, s.req.ProviderToken)
	if err != nil {
		return err
	}
	if identity.NormalizeUID(s.key.Type, subject) != s.key.UID {
		return identity.Errorf(identity.KindInvalidAuthToken, "token was issued for another subject")
	}
	return nil
}

func (r *Resolver) verifyToken(ctx context.Context, t identity.Type, token string) (string, error) {
	if token == "" {
		return "", identity.ErrInvalidAuthToken
	}
	subject, err := r.tokens.VerifyToken(ctx, t, token)
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnknownProvider):
		return "", identity.ErrInvalidAuthToken
	case err != nil:
		return "", fmt.Errorf("verify provider token: %w", err)
	}
	return subject, nil
}
