package accesstoken

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

const (
	testIssuer = "tadmin-test"
)

var testSigningKey = []byte("secret-key")

func mintTestToken(t *testing.T, now time.Time, ttl time.Duration) string {
	t.Helper()
	token, err := Mint(testSigningKey, testIssuer, Claims{
		UserID:          "user-123",
		UserEmail:       "user@example.com",
		UserDisplayName: "Demo User",
		UserRoles:       []string{"manager"},
		UserPermissions: []string{"reports:read"},
	}, now, ttl)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func newTestValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: testSigningKey,
		Issuer:     testIssuer,
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected validator error: %v", err)
	}
	return validator
}

func TestNewValidatorRequiresSigningKeyAndIssuer(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestValidateTokenRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	claims, err := validator.ValidateToken(mintTestToken(t, now, time.Hour))
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Fatalf("unexpected user id %q", claims.UserID)
	}
	if len(claims.UserRoles) != 1 || claims.UserRoles[0] != "manager" {
		t.Fatalf("roles lost in transit: %v", claims.UserRoles)
	}
	if len(claims.UserPermissions) != 1 || claims.UserPermissions[0] != "reports:read" {
		t.Fatalf("permissions lost in transit: %v", claims.UserPermissions)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, issued.Add(2*time.Hour))

	if _, err := validator.ValidateToken(mintTestToken(t, issued, time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	foreign, mintErr := Mint(testSigningKey, "someone-else", Claims{UserID: "user-123"}, now, time.Hour)
	if mintErr != nil {
		t.Fatalf("failed to mint token: %v", mintErr)
	}
	if _, err := validator.ValidateToken(foreign); !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("expected issuer error, got %v", err)
	}
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	forged, mintErr := Mint([]byte("other-key"), testIssuer, Claims{UserID: "user-123"}, now, time.Hour)
	if mintErr != nil {
		t.Fatalf("failed to mint token: %v", mintErr)
	}
	if _, err := validator.ValidateToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestValidateRequestRequiresBearerScheme(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	request := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected missing bearer error, got %v", err)
	}

	request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected missing bearer error for basic auth, got %v", err)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	router := gin.New()
	router.GET("/protected", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(DefaultContextKey)
		if !found {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		claims := claimsValue.(*Claims)
		contextGin.String(http.StatusOK, claims.UserID)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+mintTestToken(t, now, time.Hour))
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || recorder.Body.String() != "user-123" {
		t.Fatalf("expected claims on context, got %d %q", recorder.Code, recorder.Body.String())
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}
