package stubserver

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS enables cross-origin requests for the supplied origins. The
// browser dashboard sends credentials and custom headers, so origins must be
// explicit; a wildcard is rejected.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-CSRF-Token", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Type", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	if len(allowed) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	cloned := make([]string, len(allowed))
	copy(cloned, allowed)
	sort.Strings(cloned)

	seen := make(map[string]struct{})
	sanitized := make([]string, 0, len(cloned))

	for _, origin := range cloned {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		normalized, normalizeErr := normalizeOrigin(trimmed)
		if normalizeErr != nil {
			return nil, normalizeErr
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		if strings.HasPrefix(normalized, "http://") && !isDevelopmentOrigin(normalized) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "stubserver.cors.origin_unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}

	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return sanitized, nil
}

func normalizeOrigin(origin string) (string, error) {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, origin)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %s contains query or fragment", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
	}
	return fmt.Sprintf("%s://%s", scheme, parsed.Host), nil
}

func isDevelopmentOrigin(origin string) bool {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1":
		return true
	default:
		return false
	}
}
