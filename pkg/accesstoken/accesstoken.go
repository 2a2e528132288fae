// Package accesstoken mints and validates the HS256 access tokens the admin
// dashboard backend issues. Backends embed the Validator to guard their API
// routes; the stub server uses both halves.
package accesstoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
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

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("access_token.missing_signing_key")
	ErrMissingIssuer     = errors.New("access_token.missing_issuer")
	ErrMissingToken      = errors.New("access_token.missing_token")
	ErrMissingBearer     = errors.New("access_token.missing_bearer")
	ErrInvalidToken      = errors.New("access_token.invalid_token")
	ErrInvalidIssuer     = errors.New("access_token.invalid_issuer")
	ErrTokenExpired      = errors.New("access_token.expired")
)

// Claims is the session payload embedded inside access tokens. Roles and
// permissions ride in the token so clients can gate UI without an extra
// round-trip; the backend still re-checks every call.
type Claims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	UserPermissions []string `json:"user_permissions"`
	jwt.RegisteredClaims
}

// Mint signs an access token carrying the supplied claims. Registered claims
// are filled here; callers only provide the user payload.
func Mint(signingKey []byte, issuer string, claims Claims, now time.Time, ttl time.Duration) (string, error) {
	if len(signingKey) == 0 {
		return "", fmt.Errorf("access_token.mint: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(issuer) == "" {
		return "", fmt.Errorf("access_token.mint: %w", ErrMissingIssuer)
	}
	issuedAt := now.UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Validator checks bearer tokens on incoming requests.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("access_token.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("access_token.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed
// claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access_token.validate: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access_token.validate: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("access_token.validate: %w", ErrInvalidIssuer)
	}
	return claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and
// validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("access_token.validate_request: %w", ErrMissingToken)
	}
	authorization := request.Header.Get("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		return nil, fmt.Errorf("access_token.validate_request: %w", ErrMissingBearer)
	}
	return validator.ValidateToken(strings.TrimPrefix(authorization, "Bearer "))
}

// GinMiddleware validates the bearer token and injects claims into the
// request context under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid access token"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
