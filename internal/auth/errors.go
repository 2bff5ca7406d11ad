package auth

import "errors"

var (
	ErrEmptySecret     = errors.New("auth: secret is empty")
	ErrSecretMismatch  = errors.New("auth: secret mismatch")
	ErrSecretTooLong   = errors.New("auth: secret exceeds 72 bytes")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrUnknownProvider = errors.New("auth: unknown provider")
)
