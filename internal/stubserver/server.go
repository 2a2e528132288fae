// Package stubserver hosts a small gin backend implementing the auth and
// resource endpoints the client stack talks to. It backs integration tests
// and the serve-stub command; it is not a production server.
package stubserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tadmin/internal/rbac"
	"github.com/tyemirov/tadmin/pkg/accesstoken"
	"go.uber.org/zap"
)

const refreshOpaqueByteLength = 32

// User is a seeded account the stub accepts credentials for.
type User struct {
	UserID      string
	Email       string
	Password    string
	DisplayName string
	Roles       []rbac.Role
	Permissions []rbac.Permission
}

// Config tunes the stub. Zero values select defaults suitable for tests.
type Config struct {
	SigningKey     []byte
	Issuer         string
	SessionTTL     time.Duration
	AllowedOrigins []string
	Users          []User
	Logger         *zap.Logger
}

type refreshRecord struct {
	userID   string
	consumed bool
}

// Server is the stub backend. All state is in memory.
type Server struct {
	router     *gin.Engine
	signingKey []byte
	issuer     string
	sessionTTL time.Duration
	logger     *zap.Logger

	mutex         sync.Mutex
	usersByEmail  map[string]User
	refreshTokens map[string]refreshRecord
	callCounts    map[string]int
	faults        []fault
}

type fault struct {
	statusCode int
	retryAfter string
}

// New builds a stub server around the seeded users.
func New(configuration Config) (*Server, error) {
	signingKey := configuration.SigningKey
	if len(signingKey) == 0 {
		signingKey = []byte("stub-signing-key")
	}
	issuer := configuration.Issuer
	if issuer == "" {
		issuer = "tadmin-stub"
	}
	sessionTTL := configuration.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 15 * time.Minute
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	validator, validatorErr := accesstoken.New(accesstoken.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	server := &Server{
		signingKey:    signingKey,
		issuer:        issuer,
		sessionTTL:    sessionTTL,
		logger:        logger,
		usersByEmail:  make(map[string]User),
		refreshTokens: make(map[string]refreshRecord),
		callCounts:    make(map[string]int),
	}
	for _, user := range configuration.Users {
		server.usersByEmail[strings.ToLower(user.Email)] = user
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLoggerMiddleware(logger))

	if len(configuration.AllowedOrigins) > 0 {
		corsMiddleware, corsErr := ConfigureCORS(logger, configuration.AllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.POST("/auth/login", server.handleLogin)
	router.POST("/auth/refresh", server.handleRefresh)
	router.POST("/auth/logout", server.handleLogout)

	api := router.Group("/api", server.faultInjection, validator.GinMiddleware(""))
	api.GET("/me", server.handleMe)
	api.Any("/echo", server.handleEcho)

	server.router = router
	return server, nil
}

// Handler exposes the stub as an http.Handler for httptest.
func (server *Server) Handler() http.Handler {
	return server.router
}

// FailNext queues count injected failures for /api routes. A Retry-After
// value is attached when retryAfter is non-empty.
func (server *Server) FailNext(statusCode int, count int, retryAfter string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	for i := 0; i < count; i++ {
		server.faults = append(server.faults, fault{statusCode: statusCode, retryAfter: retryAfter})
	}
}

// CallCount reports how many requests reached the named endpoint, faults
// included.
func (server *Server) CallCount(endpoint string) int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.callCounts[endpoint]
}

func (server *Server) recordCall(endpoint string) {
	server.mutex.Lock()
	server.callCounts[endpoint]++
	server.mutex.Unlock()
}

func (server *Server) handleLogin(contextGin *gin.Context) {
	server.recordCall("login")
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if bindErr := contextGin.ShouldBindJSON(&payload); bindErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"message": "malformed login payload"})
		return
	}
	user, found := server.usersByEmail[strings.ToLower(payload.Email)]
	if !found || user.Password != payload.Password {
		server.logger.Debug("login rejected",
			zap.String("code", "stubserver.login.rejected"),
			zap.String("email", payload.Email))
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
		return
	}
	server.issueGrant(contextGin, user)
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	server.recordCall("refresh")
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if bindErr := contextGin.ShouldBindJSON(&payload); bindErr != nil || payload.RefreshToken == "" {
		contextGin.JSON(http.StatusBadRequest, gin.H{"message": "malformed refresh payload"})
		return
	}

	server.mutex.Lock()
	hashed := hashOpaque(payload.RefreshToken)
	record, found := server.refreshTokens[hashed]
	if !found || record.consumed {
		server.mutex.Unlock()
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "refresh token revoked"})
		return
	}
	// Rotation: the presented token dies here regardless of what the
	// client does with the response.
	record.consumed = true
	server.refreshTokens[hashed] = record
	server.mutex.Unlock()

	var user User
	for _, candidate := range server.usersByEmail {
		if candidate.UserID == record.userID {
			user = candidate
			break
		}
	}
	if user.UserID == "" {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "unknown session user"})
		return
	}
	server.issueGrant(contextGin, user)
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	server.recordCall("logout")
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if bindErr := contextGin.ShouldBindJSON(&payload); bindErr == nil && payload.RefreshToken != "" {
		server.mutex.Lock()
		delete(server.refreshTokens, hashOpaque(payload.RefreshToken))
		server.mutex.Unlock()
	}
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) handleMe(contextGin *gin.Context) {
	server.recordCall("me")
	claimsValue, found := contextGin.Get(accesstoken.DefaultContextKey)
	if !found {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims, ok := claimsValue.(*accesstoken.Claims)
	if !ok || claims.UserID == "" {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":      claims.UserID,
		"email":        claims.UserEmail,
		"display_name": claims.UserDisplayName,
		"roles":        claims.UserRoles,
		"permissions":  claims.UserPermissions,
	})
}

// handleEcho reflects the request so client tests can assert headers made it
// through unchanged.
func (server *Server) handleEcho(contextGin *gin.Context) {
	server.recordCall("echo")
	contextGin.JSON(http.StatusOK, gin.H{
		"method":          contextGin.Request.Method,
		"idempotency_key": contextGin.GetHeader("Idempotency-Key"),
		"csrf_token":      contextGin.GetHeader("X-CSRF-Token"),
	})
}

func (server *Server) issueGrant(contextGin *gin.Context, user User) {
	opaque, hashed, opaqueErr := generateRefreshOpaque()
	if opaqueErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": "token generation failed"})
		return
	}
	accessToken, mintErr := server.mintAccessToken(user)
	if mintErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": "token minting failed"})
		return
	}

	server.mutex.Lock()
	server.refreshTokens[hashed] = refreshRecord{userID: user.UserID}
	server.mutex.Unlock()

	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": opaque,
		"token_type":    "Bearer",
		"expires_in":    int64(server.sessionTTL / time.Second),
	})
}

func (server *Server) mintAccessToken(user User) (string, error) {
	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, string(role))
	}
	permissions := make([]string, 0, len(user.Permissions))
	for _, permission := range user.Permissions {
		permissions = append(permissions, string(permission))
	}
	return accesstoken.Mint(server.signingKey, server.issuer, accesstoken.Claims{
		UserID:          user.UserID,
		UserEmail:       user.Email,
		UserDisplayName: user.DisplayName,
		UserRoles:       roles,
		UserPermissions: permissions,
	}, time.Now(), server.sessionTTL)
}

// faultInjection drains the queued failures before letting a request hit its
// handler.
func (server *Server) faultInjection(contextGin *gin.Context) {
	server.mutex.Lock()
	if len(server.faults) == 0 {
		server.mutex.Unlock()
		contextGin.Next()
		return
	}
	injected := server.faults[0]
	server.faults = server.faults[1:]
	server.callCounts["fault"]++
	server.mutex.Unlock()

	if injected.retryAfter != "" {
		contextGin.Header("Retry-After", injected.retryAfter)
	}
	contextGin.AbortWithStatusJSON(injected.statusCode, gin.H{"message": "injected failure"})
}

func requestLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Debug("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("stubserver.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
