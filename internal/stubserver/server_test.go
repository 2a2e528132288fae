package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tyemirov/tadmin/internal/apiclient"
	"github.com/tyemirov/tadmin/internal/apierror"
	"github.com/tyemirov/tadmin/internal/guard"
	"github.com/tyemirov/tadmin/internal/rbac"
	"github.com/tyemirov/tadmin/internal/session"
	"github.com/tyemirov/tadmin/internal/tokenstore"
)

func seededServer(t *testing.T) *Server {
	t.Helper()
	server, err := New(Config{
		SessionTTL: time.Minute,
		Users: []User{
			{
				UserID:      "user-42",
				Email:       "manager@example.com",
				Password:    "pa55word",
				DisplayName: "Morgan Manager",
				Roles:       []rbac.Role{rbac.RoleManager},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected stub construction error: %v", err)
	}
	return server
}

func loginGrant(t *testing.T, baseURL string) map[string]any {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"email": "manager@example.com", "password": "pa55word"})
	response, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected login status %d", response.StatusCode)
	}
	var grant map[string]any
	if decodeErr := json.NewDecoder(response.Body).Decode(&grant); decodeErr != nil {
		t.Fatalf("grant decode failed: %v", decodeErr)
	}
	return grant
}

func TestLoginIssuesGrantWithRotatableRefreshToken(t *testing.T) {
	stub := seededServer(t)
	httpServer := httptest.NewServer(stub.Handler())
	defer httpServer.Close()

	grant := loginGrant(t, httpServer.URL)
	if grant["access_token"] == "" || grant["refresh_token"] == "" {
		t.Fatalf("incomplete grant: %#v", grant)
	}
	if grant["token_type"] != "Bearer" {
		t.Fatalf("unexpected token type %v", grant["token_type"])
	}
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	stub := seededServer(t)
	httpServer := httptest.NewServer(stub.Handler())
	defer httpServer.Close()

	grant := loginGrant(t, httpServer.URL)
	refreshToken, _ := grant["refresh_token"].(string)

	refresh := func() int {
		payload, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
		response, err := http.Post(httpServer.URL+"/auth/refresh", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("refresh request failed: %v", err)
		}
		defer func() { _ = response.Body.Close() }()
		return response.StatusCode
	}

	if status := refresh(); status != http.StatusOK {
		t.Fatalf("first refresh should succeed, got %d", status)
	}
	if status := refresh(); status != http.StatusUnauthorized {
		t.Fatalf("replayed refresh token must be rejected, got %d", status)
	}
}

func TestFaultInjectionDrainsQueuedFailures(t *testing.T) {
	stub := seededServer(t)
	httpServer := httptest.NewServer(stub.Handler())
	defer httpServer.Close()

	stub.FailNext(http.StatusServiceUnavailable, 2, "")

	grant := loginGrant(t, httpServer.URL)
	accessToken, _ := grant["access_token"].(string)

	callMe := func() int {
		request, _ := http.NewRequest(http.MethodGet, httpServer.URL+"/api/me", nil)
		request.Header.Set("Authorization", "Bearer "+accessToken)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer func() { _ = response.Body.Close() }()
		return response.StatusCode
	}

	if status := callMe(); status != http.StatusServiceUnavailable {
		t.Fatalf("expected injected 503, got %d", status)
	}
	if status := callMe(); status != http.StatusServiceUnavailable {
		t.Fatalf("expected second injected 503, got %d", status)
	}
	if status := callMe(); status != http.StatusOK {
		t.Fatalf("expected recovery after faults drained, got %d", status)
	}
}

// End-to-end: session manager, auth transport, and resilient client running
// against the stub backend.
func TestClientStackAgainstStub(t *testing.T) {
	stub := seededServer(t)
	httpServer := httptest.NewServer(stub.Handler())
	defer httpServer.Close()

	authTransport, authErr := apiclient.NewAuthTransport(httpServer.URL, nil, nil)
	if authErr != nil {
		t.Fatalf("auth transport construction failed: %v", authErr)
	}
	store := tokenstore.NewMemoryStore()
	engine := rbac.NewEngine(rbac.DefaultHierarchy())
	manager, managerErr := session.NewManager(store, authTransport, engine, session.Config{})
	if managerErr != nil {
		t.Fatalf("manager construction failed: %v", managerErr)
	}
	defer manager.Close()

	client, clientErr := apiclient.New(manager, apiclient.Config{
		BaseURL:     httpServer.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})
	if clientErr != nil {
		t.Fatalf("client construction failed: %v", clientErr)
	}

	ctx := context.Background()
	established, loginErr := manager.Login(ctx, session.Credentials{
		Email:    "manager@example.com",
		Password: "pa55word",
	})
	if loginErr != nil {
		t.Fatalf("login failed: %v", loginErr)
	}
	if established.Identity.UserID != "user-42" {
		t.Fatalf("unexpected identity: %#v", established.Identity)
	}
	if !manager.HasPermission(rbac.PermUsersWrite) {
		t.Fatal("manager role should carry users:write")
	}

	var profile struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if _, err := client.Get(ctx, "/api/me", apiclient.RequestOptions{Out: &profile}); err != nil {
		t.Fatalf("profile request failed: %v", err)
	}
	if profile.UserID != "user-42" || profile.Email != "manager@example.com" {
		t.Fatalf("unexpected profile: %#v", profile)
	}

	// Transient faults are absorbed by the retry loop.
	stub.FailNext(http.StatusServiceUnavailable, 2, "")
	if _, err := client.Get(ctx, "/api/me", apiclient.RequestOptions{}); err != nil {
		t.Fatalf("expected retries to absorb injected faults, got %v", err)
	}

	// A forced 401 triggers exactly one refresh and a successful replay.
	refreshCallsBefore := stub.CallCount("refresh")
	stub.FailNext(http.StatusUnauthorized, 1, "")
	if _, err := client.Get(ctx, "/api/me", apiclient.RequestOptions{}); err != nil {
		t.Fatalf("expected refresh-and-replay to recover, got %v", err)
	}
	if got := stub.CallCount("refresh") - refreshCallsBefore; got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}

	if logoutErr := manager.Logout(ctx); logoutErr != nil {
		t.Fatalf("logout failed: %v", logoutErr)
	}
	if _, err := manager.ValidToken(ctx); !errors.Is(err, apierror.ErrSessionExpired) {
		t.Fatalf("expected session expiry after logout, got %v", err)
	}
}

func TestConfigureCORSRejectsWildcardAndBlankOrigins(t *testing.T) {
	if _, err := ConfigureCORS(nil, nil); err == nil {
		t.Fatal("expected rejection of empty origin list")
	}
	if _, err := ConfigureCORS(nil, []string{"*"}); err == nil {
		t.Fatal("expected rejection of wildcard origin")
	}
	if _, err := ConfigureCORS(nil, []string{"https://admin.example.com/path"}); err == nil {
		t.Fatal("expected rejection of origin with path")
	}
	if _, err := ConfigureCORS(nil, []string{"https://admin.example.com"}); err != nil {
		t.Fatalf("expected valid origin to pass, got %v", err)
	}
}

// The guard middleware composed with a live session established against the
// stub backend.
func TestRequireAccessOverLiveSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := seededServer(t)
	httpServer := httptest.NewServer(stub.Handler())
	defer httpServer.Close()

	authTransport, authErr := apiclient.NewAuthTransport(httpServer.URL, nil, nil)
	if authErr != nil {
		t.Fatalf("auth transport construction failed: %v", authErr)
	}
	manager, managerErr := session.NewManager(tokenstore.NewMemoryStore(), authTransport, rbac.NewEngine(rbac.DefaultHierarchy()), session.Config{})
	if managerErr != nil {
		t.Fatalf("manager construction failed: %v", managerErr)
	}
	defer manager.Close()

	if _, err := manager.Login(context.Background(), session.Credentials{Email: "manager@example.com", Password: "pa55word"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	router := gin.New()
	router.GET("/reports",
		guard.RequireAccess(manager, rbac.AccessCheck{Permissions: []rbac.Permission{rbac.PermAuditExport}}, nil),
		func(contextGin *gin.Context) { contextGin.Status(http.StatusNoContent) })
	router.GET("/gdpr",
		guard.RequireAccess(manager, rbac.AccessCheck{Permissions: []rbac.Permission{rbac.PermGDPRExecute}}, nil),
		func(contextGin *gin.Context) { contextGin.Status(http.StatusNoContent) })

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/reports", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("manager role should reach audit export, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/gdpr", nil))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("manager role must not execute gdpr actions, got %d", recorder.Code)
	}
}
