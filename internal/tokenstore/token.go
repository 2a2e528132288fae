package tokenstore

import (
	"errors"
	"fmt"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

// DefaultExpirySkew is the safety margin applied when deciding whether a
// token still has useful life left, so a refresh is triggered before a
// request can be dispatched with a token that expires mid-flight.
const DefaultExpirySkew = 60 * time.Second

var (
	// ErrEmptyAccessToken indicates a token without an access token value.
	ErrEmptyAccessToken = errors.New("token_store.empty_access_token")
	// ErrEmptyRefreshToken indicates a token without a refresh token value.
	ErrEmptyRefreshToken = errors.New("token_store.empty_refresh_token")
	// ErrMissingExpiry indicates a token whose expiry was never computed.
	ErrMissingExpiry = errors.New("token_store.missing_expiry")
	// ErrInvalidExpiresIn indicates a grant carrying a non-positive lifetime.
	ErrInvalidExpiresIn = errors.New("token_store.invalid_expires_in")
	// ErrNoToken indicates the store holds no token.
	ErrNoToken = errors.New("token_store.no_token")
)

// Token is the bearer credential pair held for the active session.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Grant is the wire shape returned by login and refresh endpoints.
type Grant struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int64  `json:"expires_in"`
}

// RememberMe records the user's opt-in to keep their email across logouts.
// Its lifecycle is independent from the token's.
type RememberMe struct {
	Enabled bool
	Email   string
}

// TokenFromGrant builds a Token from a login or refresh response. The
// absolute expiry is always recomputed from expires_in at this moment; a
// grant is never stored with an expiry carried over from elsewhere.
func TokenFromGrant(clock Clock, grant Grant) (Token, error) {
	if clock == nil {
		clock = systemClock{}
	}
	if grant.AccessToken == "" {
		return Token{}, fmt.Errorf("token_store.from_grant: %w", ErrEmptyAccessToken)
	}
	if grant.RefreshToken == "" {
		return Token{}, fmt.Errorf("token_store.from_grant: %w", ErrEmptyRefreshToken)
	}
	if grant.ExpiresInSeconds <= 0 {
		return Token{}, fmt.Errorf("token_store.from_grant: %w", ErrInvalidExpiresIn)
	}
	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return Token{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    clock.Now().Add(time.Duration(grant.ExpiresInSeconds) * time.Second),
	}, nil
}

// Validate rejects partially-populated tokens before they reach a store.
func (token Token) Validate() error {
	if token.AccessToken == "" {
		return ErrEmptyAccessToken
	}
	if token.RefreshToken == "" {
		return ErrEmptyRefreshToken
	}
	if token.ExpiresAt.IsZero() {
		return ErrMissingExpiry
	}
	return nil
}

// IsExpired reports whether the token is within skew of its expiry. A
// negative skew selects DefaultExpirySkew.
func (token Token) IsExpired(clock Clock, skew time.Duration) bool {
	if clock == nil {
		clock = systemClock{}
	}
	if skew < 0 {
		skew = DefaultExpirySkew
	}
	return !clock.Now().Add(skew).Before(token.ExpiresAt)
}
