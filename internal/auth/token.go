// Package auth pre-checks session credentials before they are sent.
//
// The client never holds the signing key, so tokens are parsed without
// verification. The check only rejects credentials that are certain to
// fail the handshake, so the connection manager can report them once
// instead of retrying.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nfrund/chatsync/internal/domain"
)

var parser = jwt.NewParser()

// Claims is what the client can learn from a token without the key.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect parses a JWT without verifying its signature. ok is false for
// opaque (non-JWT) tokens.
func Inspect(token string) (Claims, bool) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, false
	}
	mc := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mc); err != nil {
		return Claims{}, false
	}

	var c Claims
	c.Subject, _ = mc.GetSubject()
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, true
}

// CheckToken returns domain.ErrAuth for an empty token or a JWT whose exp
// claim is at or before now. Opaque tokens pass; the server decides.
func CheckToken(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", domain.ErrAuth)
	}
	c, ok := Inspect(token)
	if !ok || c.ExpiresAt.IsZero() {
		return nil
	}
	if !now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w: token expired at %s", domain.ErrAuth, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
