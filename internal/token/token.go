package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalid is returned by Verify for any token that cannot be accepted:
// malformed structure, bad signature, unparseable payload, missing subject,
// or past expiry.
var ErrInvalid = errors.New("invalid token")

// headerType marks tokens minted by this service. Existing tokens in the wild
// carry it, so it must not change.
const headerType = "TP"

// Codec mints and verifies the bearer tokens handed to the front end. Tokens
// are HS256-signed with the shared secret; signature comparison inside the
// jwt library is constant time.
type Codec struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
}

// NewCodec builds a codec. ttlDays of zero means tokens never expire, which
// matches sessions whose staleness is only checked against the session row.
func NewCodec(secret string, ttlDays int) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	if ttlDays < 0 {
		return nil, fmt.Errorf("token: negative ttl %d", ttlDays)
	}
	return &Codec{
		secret: []byte(secret),
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Issue mints a token for subject, stamped with the issue time and, when the
// codec has a ttl, an expiry.
func (c *Codec) Issue(subject string) (string, error) {
	subject = strings.ToLower(strings.TrimSpace(subject))
	if subject == "" {
		return "", errors.New("token: subject is required")
	}

	// The jti keeps two logins in the same second from minting identical
	// tokens; superseding a session depends on the new token differing.
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	if c.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["typ"] = headerType

	return tok.SignedString(c.secret)
}

// Verify checks raw against the shared secret and returns the lowercased
// subject it was issued for. Every failure mode wraps ErrInvalid.
func (c *Codec) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid {
		return "", ErrInvalid
	}
	subject := strings.ToLower(strings.TrimSpace(claims.Subject))
	if subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	return subject, nil
}
