// internal/auth/session.go
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail verification or belong to
// another room or device.
var ErrInvalidToken = errors.New("invalid session token")

// Claims is the payload of a session token: sub is the player id.
type Claims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies per-room session tokens. Tokens are bound to the
// device: the HS256 key is derived from the fingerprint, so a token copied to
// another device does not verify there.
type Issuer struct {
	ttl time.Duration // zero means tokens never expire
	now func() time.Time
}

// NewIssuer creates an issuer whose tokens live for ttl.
func NewIssuer(ttl time.Duration) *Issuer {
	return &Issuer{ttl: ttl, now: time.Now}
}

// Issue creates a signed token for playerID in room code.
func (i *Issuer) Issue(playerID uuid.UUID, code, fingerprint string) (string, error) {
	now := i.now()
	claims := Claims{
		Room: strings.ToUpper(code),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  playerID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey(fingerprint, code))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a token for room code on this device and returns the player id.
func (i *Issuer) Verify(tokenString, code, fingerprint string) (uuid.UUID, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey(fingerprint, code), nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid || !strings.EqualFold(claims.Room, code) {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
