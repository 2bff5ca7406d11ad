package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretVerifier hashes and checks password secrets.
type SecretVerifier interface {
	Hash(secret string) (string, error)
	Verify(hash, secret string) error
}

// Bcrypt stores secrets as bcrypt hashes. A zero Cost means bcrypt.DefaultCost.
type Bcrypt struct {
	Cost int
}

var _ SecretVerifier = Bcrypt{}

func (b Bcrypt) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrSecretTooLong
	}
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify returns ErrSecretMismatch when secret does not produce hash. A secret
// too long to ever have been hashed is a mismatch too.
func (b Bcrypt) Verify(hash, secret string) error {
	if hash == "" || secret == "" {
		return ErrSecretMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return ErrSecretMismatch
	}
	if err != nil {
		return fmt.Errorf("verify secret: %w", err)
	}
	return nil
}
