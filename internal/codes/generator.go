package codes

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Generator produces confirmation codes.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws zero-padded decimal codes from crypto/rand.
type RandomGenerator struct {
	Digits int
}

const (
	defaultDigits = 6
	maxDigits     = 18
)

func (g RandomGenerator) Generate() (string, error) {
	digits := g.Digits
	if digits <= 0 || digits > maxDigits {
		digits = defaultDigits
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// FixedGenerator always returns the same code.
type FixedGenerator string

func (g FixedGenerator) Generate() (string, error) {
	if g == "" {
		return "", errors.New("generate code: fixed code is empty")
	}
	return string(g), nil
}
