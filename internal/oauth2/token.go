package oauth2

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"epayment-client/internal/common/errors"
)

// AccessToken is a bearer token together with its validity window.
// Instances are immutable once created.
type AccessToken struct {
	// Value is the opaque bearer string sent in the Authorization header
	Value string `json:"value"`
	// ExpiresAt is the absolute instant the platform stops accepting the token
	ExpiresAt time.Time `json:"expires_at"`
	// ObtainedAt is when the token response was received
	ObtainedAt time.Time `json:"obtained_at"`
}

// Valid reports whether the token can still be used at now.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Remaining returns the lifetime left at now, never negative.
func (t AccessToken) Remaining(now time.Time) time.Duration {
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AuthorizationHeader returns the value for the Authorization header.
func (t AccessToken) AuthorizationHeader() string {
	return "Bearer " + t.Value
}

// String masks the token value so tokens can be logged safely.
func (t AccessToken) String() string {
	masked := "****"
	if len(t.Value) > 8 {
		masked = t.Value[:4] + "****"
	}
	return fmt.Sprintf("AccessToken{%s, expires %s}", masked, t.ExpiresAt.Format(time.RFC3339))
}

// maxExpiresIn is the largest relative lifetime, in seconds, that fits in a
// time.Duration.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// tokenResponse covers the two response shapes seen from the token endpoint:
// the platform's camel-case form with an absolute expiry in epoch
// milliseconds, and the RFC 6749 form with a relative lifetime in seconds.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresOn   *int64 `json:"expiresOn"`

	OAuthAccessToken string `json:"access_token"`
	ExpiresIn        *int64 `json:"expires_in"`
	TokenType        string `json:"token_type"`
}

// ParseTokenResponse turns a token endpoint response body into an AccessToken.
// When the body carries no expiry, the exp claim of a JWT access token is
// used. Anything that does not yield a token expiring after now is reported
// as a malformed response.
func ParseTokenResponse(body []byte, now time.Time) (AccessToken, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return AccessToken{}, errors.MalformedError("token response is not valid JSON", err)
	}

	value := resp.AccessToken
	if value == "" {
		value = resp.OAuthAccessToken
	}
	if value == "" {
		return AccessToken{}, errors.MalformedError("token response has no access token", nil)
	}

	var expiresAt time.Time
	switch {
	case resp.ExpiresOn != nil:
		expiresAt = time.UnixMilli(*resp.ExpiresOn)
	case resp.ExpiresIn != nil:
		if *resp.ExpiresIn > maxExpiresIn || *resp.ExpiresIn < -maxExpiresIn {
			return AccessToken{}, errors.MalformedError("token response lifetime is out of range", nil).
				WithContext("expires_in", *resp.ExpiresIn)
		}
		expiresAt = now.Add(time.Duration(*resp.ExpiresIn) * time.Second)
	default:
		exp, err := jwtExpiry(value)
		if err != nil {
			return AccessToken{}, errors.MalformedError("token response has no expiry", err)
		}
		expiresAt = exp
	}

	if !expiresAt.After(now) {
		return AccessToken{}, errors.MalformedError("token response is already expired", nil).
			WithContext("expires_at", expiresAt.Format(time.RFC3339))
	}

	return AccessToken{
		Value:      value,
		ExpiresAt:  expiresAt,
		ObtainedAt: now,
	}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected to learn when to refresh it.
func jwtExpiry(value string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("jwt has no exp claim")
	}
	return exp.Time, nil
}
