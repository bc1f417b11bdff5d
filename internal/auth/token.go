// Package auth issues and checks MSGDrop session credentials (HS256 JWTs).
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "msgdrop"

var (
	ErrInvalid = errors.New("session credential is invalid")
	ErrExpired = errors.New("session credential is expired")
	ErrScope   = errors.New("session credential does not cover this room")
)

// Claims is what a session credential carries. An empty Room covers any room.
type Claims struct {
	Room        string `json:"room,omitempty"`
	Participant string `json:"participant,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	key []byte
	ttl time.Duration
	Now func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(secret), ttl: ttl, Now: time.Now}
}

// Issue signs a credential for participant in room.
func (i *Issuer) Issue(room, participant string) (string, error) {
	now := i.Now()
	claims := &Claims{
		Room:        room,
		Participant: participant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

type Verifier struct {
	key []byte
	Now func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{key: []byte(secret), Now: time.Now}
}

// Verify checks signature, expiry and room scope.
func (v *Verifier) Verify(token, room string) (*Claims, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Room != "" && claims.Room != room {
		return nil, ErrScope
	}
	return claims, nil
}

// Parse checks signature and expiry only.
func (v *Verifier) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalid
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Issuer != issuerName || claims.ExpiresAt == nil {
		return nil, ErrInvalid
	}
	if !claims.ExpiresAt.Time.After(v.Now()) {
		return nil, ErrExpired
	}
	return &claims, nil
}

// Usable is the client-side pre-check: the token parses and is not expired.
// The signature is not checked; only the hub holds the key.
func Usable(token string, now time.Time) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && claims.ExpiresAt.Time.After(now)
}

// ReauthURL is where a rejected client is sent, with returnTo preserved.
func ReauthURL(unlockPath, returnTo string) string {
	if returnTo == "" {
		return unlockPath
	}
	return unlockPath + "?next=" + url.QueryEscape(returnTo)
}
