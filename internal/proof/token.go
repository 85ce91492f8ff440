package proof

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "proof-content"

var ErrInvalidToken = errors.New("invalid proof token")

// Signer issues HS256 tokens granting read access to one proof's content.
type Signer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RandomSecret returns 32 random bytes for deployments without a configured secret.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Issue signs a token for proofID.
func (s Signer) Issue(proofID string) (string, time.Time, error) {
	if len(s.Secret) == 0 {
		return "", time.Time{}, errors.New("proof token secret not configured")
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   proofID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks that raw is a valid, unexpired token for proofID.
func (s Signer) Verify(raw, proofID string) error {
	if raw == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	claims := &tokenClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	audOK := false
	for _, aud := range claims.Audience {
		if aud == tokenAudience {
			audOK = true
		}
	}
	if !audOK {
		return fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.Subject != proofID {
		return fmt.Errorf("%w: issued for another proof", ErrInvalidToken)
	}
	return nil
}
