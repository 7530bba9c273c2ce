// Package ticket issues and verifies the signed join tickets a host may
// require before accepting a websocket connection.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidTicket is returned for missing, expired or badly signed tickets.
var ErrInvalidTicket = errors.New("invalid join ticket")

const issuer = "netsync"

// Claims identify the joining player.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Issue signs a ticket for subject valid for ttl.
func Issue(secret []byte, subject, name string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("issue ticket: empty secret")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("issue ticket: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of raw.
func Verify(secret []byte, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidTicket)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: not valid", ErrInvalidTicket)
	}
	if !claims.VerifyIssuer(issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidTicket, claims.Issuer)
	}
	return claims, nil
}

// FromHeader extracts a bearer ticket from an Authorization header value.
func FromHeader(value string) string {
	const prefix = "Bearer "
	if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return strings.TrimSpace(value[len(prefix):])
	}
	return ""
}
