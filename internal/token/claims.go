package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the access-token payload this pipeline cares
// about. Signatures are never verified here; the token is consumed, not
// issued, and the remote service is the authority on validity.
type Claims struct {
	Type      string
	Subject   string
	ExpiresAt time.Time // zero when the token carries no expiry
}

var claimsParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeClaims extracts the payload of a JWT without verifying it. Tokens
// missing the standard three-segment structure or carrying an undecodable
// payload fail with an error so the caller can move to its next fallback.
func DecodeClaims(raw string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := claimsParser.ParseUnverified(raw, mapClaims); err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}

	out := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if typ, ok := mapClaims["type"].(string); ok {
		out.Type = typ
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
