package session

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenUse = "session"

// Claims is the payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Use string `json:"use"`
}

// signer mints and parses session tokens. RS256 is used when a key pair is
// configured, otherwise HS256 with the shared secret.
type signer struct {
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func (s *signer) ready() error {
	if len(s.secret) == 0 && s.privateKey == nil {
		return errors.New("session: token secret or RSA keys required")
	}
	return nil
}

func (s *signer) sign(accountID string) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Use: tokenUse,
	}
	var (
		signed string
		err    error
	)
	if s.privateKey != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if s.keyID != "" {
			tok.Header["kid"] = s.keyID
		}
		signed, err = tok.SignedString(s.privateKey)
	} else {
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

func (s *signer) parse(token string) (Claims, error) {
	methods := []string{jwt.SigningMethodHS256.Alg()}
	if s.publicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodRS256.Alg():
			return s.publicKey, nil
		default:
			if len(s.secret) == 0 {
				return nil, errors.New("hmac tokens disabled")
			}
			return s.secret, nil
		}
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrUnauthorized
	}
	if claims.Use != tokenUse || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrUnauthorized
	}
	return claims, nil
}
