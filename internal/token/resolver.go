// Package token classifies and normalizes raw credential material read from
// an editor store into a single resolved token. Two historical formats
// exist: a bare JWT access token (Bearer auth) and a composite
// "user_id::jwt" session token (Cookie auth). When only an access token is
// present, a session-format value is synthesized from its subject claim so
// that Cookie-authenticated endpoints remain reachable; that synthesized
// value is for outbound calls only and is never a server-issued credential.
package token

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pysugar/cursor-sync/internal/util"
)

// ErrNoCredential means nothing resolvable was found in the record. It is a
// reported outcome, not an exceptional condition.
var ErrNoCredential = errors.New("no resolvable credential")

// Kind discriminates the two token formats.
type Kind int

const (
	KindAccess Kind = iota + 1 // bare JWT, Bearer auth
	KindSession                // user_id::jwt, Cookie auth
)

func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindSession:
		return "session"
	default:
		return "unknown"
	}
}

// Resolved is the canonical credential produced by Resolve. Exactly one
// Kind is set; Raw is the value used for outbound calls.
type Resolved struct {
	Kind   Kind
	Raw    string
	UserID string
	Email  string

	// AccessToken holds the bare JWT when one was found, regardless of
	// which Kind ended up selected. RefreshToken defaults to AccessToken
	// when the store carries no separate refresh credential.
	AccessToken  string
	RefreshToken string

	// Claims is the decoded access-token payload when available.
	Claims *Claims

	// Constructed marks a session-format Raw that was synthesized locally
	// from an access token. It must never be persisted as a server-issued
	// session credential.
	Constructed bool
}

// Field lookup precedence. These lists are the reviewable artifact for the
// historical key-naming drift across editor versions; first non-empty wins.
var (
	emailKeys = []string{
		"cursorAuth/cachedEmail",
		"cursor.email",
		"user.email",
	}
	accessTokenKeys = []string{
		"cursorAuth/accessToken",
		"cursorAuth/token",
		"accessToken",
	}
	refreshTokenKeys = []string{
		"cursorAuth/refreshToken",
	}
	sessionTokenKeys = []string{
		"WorkosCursorSessionToken",
		"workos.sessionToken",
		"cursorAuth.sessionToken",
	}
)

func firstNonEmpty(rec map[string]string, keys []string) string {
	for _, k := range keys {
		if v := rec[k]; v != "" {
			return v
		}
	}
	return ""
}

// Resolve turns a raw store record into exactly one Resolved token.
// Precedence: access token (with synthesized session form when the subject
// matches user_...) first, then a stored session token. A malformed JWT
// fails that source only and resolution proceeds to the next fallback.
func Resolve(rec map[string]string) (*Resolved, error) {
	out := &Resolved{Email: firstNonEmpty(rec, emailKeys)}

	if access := firstNonEmpty(rec, accessTokenKeys); access != "" && strings.HasPrefix(access, "eyJ") {
		out.AccessToken = access
		out.RefreshToken = firstNonEmpty(rec, refreshTokenKeys)
		if out.RefreshToken == "" {
			out.RefreshToken = access
		}

		claims, err := DecodeClaims(access)
		if err != nil {
			log.Debug().Err(err).Msg("access token payload undecodable, trying session fallback")
		} else {
			out.Claims = claims
			userID := strings.TrimPrefix(claims.Subject, "auth0|")
			if strings.HasPrefix(userID, "user_") {
				out.Kind = KindSession
				out.Raw = userID + "::" + access
				out.UserID = userID
				out.Constructed = true
				log.Info().Str("userId", userID).Msg("✓ constructed session token from access token")
				return out, nil
			}
			log.Warn().Str("sub", claims.Subject).Msg("unexpected subject format, using bearer auth")
			out.Kind = KindAccess
			out.Raw = access
			return out, nil
		}
	}

	if raw := firstNonEmpty(rec, sessionTokenKeys); raw != "" {
		decoded := raw
		if strings.Contains(raw, "%3A%3A") {
			if u, err := url.QueryUnescape(raw); err == nil {
				decoded = u
			}
		}
		out.Kind = KindSession
		out.Raw = decoded
		if head, _, ok := strings.Cut(decoded, "::"); ok && strings.HasPrefix(head, "user_") {
			out.UserID = head
		}
		log.Info().Str("token", util.MaskToken(decoded)).Msg("✓ found stored session token")
		return out, nil
	}

	return nil, ErrNoCredential
}

// Validate checks an access token's claims: the type claim must be one of
// the known values and, when an expiry is present, the token must not have
// expired by now.
func (r *Resolved) Validate(now time.Time) error {
	if r.Claims == nil {
		return nil
	}
	switch r.Claims.Type {
	case "session", "web":
	default:
		return fmt.Errorf("unknown token type %q", r.Claims.Type)
	}
	if !r.Claims.ExpiresAt.IsZero() && !now.Before(r.Claims.ExpiresAt) {
		return fmt.Errorf("token expired at %s", r.Claims.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
