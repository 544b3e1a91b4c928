// Package auth verifies the compact HMAC-signed bearer tokens issued by
// the (out-of-scope) identity provider and extracts the role claims the
// Hub and Command Router use for authorization decisions.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rejection is the typed authentication failure returned by Verify,
// matching spec.md §4.1's {Malformed, BadSignature, Expired, UnknownIssuer}.
type Rejection string

const (
	RejectMalformed     Rejection = "Malformed"
	RejectBadSignature  Rejection = "BadSignature"
	RejectExpired       Rejection = "Expired"
	RejectUnknownIssuer Rejection = "UnknownIssuer"
)

// TokenError wraps a Rejection with a human-readable cause.
type TokenError struct {
	Reason Rejection
	Cause  error
}

func (e *TokenError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return string(e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Cause }

func malformed(cause error) error     { return &TokenError{Reason: RejectMalformed, Cause: cause} }
func badSignature(cause error) error  { return &TokenError{Reason: RejectBadSignature, Cause: cause} }
func expired(cause error) error       { return &TokenError{Reason: RejectExpired, Cause: cause} }
func unknownIssuer(cause error) error { return &TokenError{Reason: RejectUnknownIssuer, Cause: cause} }

// knownRoles is the set of role strings extractRoles keeps; any other
// role string found in a claim is dropped.
var knownRoles = map[string]bool{
	"ADMIN": true, "ORGANIZER": true, "COMPETITOR": true, "REFEREE": true, "COACH": true,
}

// TokenClaims captures the subset of the JWT payload the control plane needs.
type TokenClaims struct {
	Subject   string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
	Audience  string
}

// HasRole reports whether the claims carry the named role, case-sensitively
// matching the canonical role vocabulary.
func (c *TokenClaims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HMACTokenVerifier validates compact JWT-style tokens signed with HS256.
// It performs no network calls; it is a pure function of the configured
// secret, optional expected issuer, and the supplied token string.
type HMACTokenVerifier struct {
	secret         []byte
	now            func() time.Time
	leeway         time.Duration
	expectedIssuer string
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret
// and clock skew allowance. expectedIssuer may be empty to skip issuer
// validation (TOKEN_ISSUER unset, §6.4).
func NewHMACTokenVerifier(secret string, leeway time.Duration, expectedIssuer string) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{
		secret:         []byte(secret),
		now:            time.Now,
		leeway:         leeway,
		expectedIssuer: strings.TrimSpace(expectedIssuer),
	}, nil
}

// Verify parses the token, validates its signature, expiry, and (if
// configured) issuer, and returns the embedded claims including roles.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, malformed(errors.New("verifier not initialised"))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, malformed(errors.New("empty token"))
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, malformed(fmt.Errorf("expected 3 dot-separated segments, got %d", len(parts)))
	}
	headerPayload := parts[0] + "." + parts[1]

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, malformed(err)
	}
	var header struct {
		Algorithm string `json:"alg"`
		Type      string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, malformed(err)
	}
	if header.Algorithm != "HS256" {
		return nil, malformed(fmt.Errorf("unexpected algorithm %q", header.Algorithm))
	}

	expectedSig, err := v.sign([]byte(headerPayload))
	if err != nil {
		return nil, malformed(err)
	}
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, malformed(err)
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, badSignature(errors.New("signature mismatch"))
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, malformed(err)
	}
	var payload struct {
		Subject      string          `json:"sub"`
		Expires      int64           `json:"exp"`
		Issued       int64           `json:"iat"`
		Audience     string          `json:"aud"`
		Issuer       string          `json:"iss"`
		UserRoles    []string        `json:"user_roles"`
		UserRole     string          `json:"user_role"`
		AppMetadata  json.RawMessage `json:"app_metadata"`
		UserMetadata json.RawMessage `json:"user_metadata"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, malformed(err)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return nil, malformed(errors.New("missing sub claim"))
	}
	if payload.Expires <= 0 {
		return nil, malformed(errors.New("missing exp claim"))
	}

	now := v.now()
	expiresAt := time.Unix(payload.Expires, 0)
	if !expiresAt.Add(v.leeway).After(now) {
		return nil, expired(fmt.Errorf("token expired at %s", expiresAt))
	}

	if v.expectedIssuer != "" && payload.Issuer != v.expectedIssuer {
		return nil, unknownIssuer(fmt.Errorf("unexpected issuer %q", payload.Issuer))
	}

	claims := &TokenClaims{
		Subject:   payload.Subject,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
		Issuer:    payload.Issuer,
		Audience:  payload.Audience,
		Roles:     extractRoles(payload.UserRoles, payload.UserRole, payload.AppMetadata, payload.UserMetadata),
	}
	return claims, nil
}

// extractRoles applies the priority-ordered claim lookup from spec.md
// §4.1: top-level user_roles[], top-level user_role, app_metadata.roles[],
// app_metadata.role, user_metadata.role. It drops unrecognised role
// strings and stops at the first claim that still holds a known role; a
// claim holding only unrecognised strings falls through to the next one.
func extractRoles(userRoles []string, userRole string, appMetadata, userMetadata json.RawMessage) []string {
	if roles := filterKnownRoles(userRoles); len(roles) > 0 {
		return roles
	}
	if roles := filterKnownRoles([]string{userRole}); len(roles) > 0 {
		return roles
	}
	if len(appMetadata) > 0 {
		var meta struct {
			Roles []string `json:"roles"`
			Role  string   `json:"role"`
		}
		if err := json.Unmarshal(appMetadata, &meta); err == nil {
			if roles := filterKnownRoles(meta.Roles); len(roles) > 0 {
				return roles
			}
			if roles := filterKnownRoles([]string{meta.Role}); len(roles) > 0 {
				return roles
			}
		}
	}
	if len(userMetadata) > 0 {
		var meta struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(userMetadata, &meta); err == nil {
			if roles := filterKnownRoles([]string{meta.Role}); len(roles) > 0 {
				return roles
			}
		}
	}
	return nil
}

func filterKnownRoles(candidates []string) []string {
	var out []string
	for _, c := range candidates {
		role := strings.ToUpper(strings.TrimSpace(c))
		if role == "" {
			continue
		}
		if knownRoles[role] {
			out = append(out, role)
		}
	}
	return out
}

func (v *HMACTokenVerifier) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
