// Package guard layers route-level access decisions on top of the session
// manager. It exposes a plain decision helper for programmatic callers and a
// gin middleware for routed surfaces.
package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tadmin/internal/rbac"
	"github.com/tyemirov/tadmin/internal/session"
	"go.uber.org/zap"
)

// AccessSession is the slice of the session manager a guard needs.
// *session.Manager satisfies it.
type AccessSession interface {
	State() session.State
	Identity() session.Identity
	HasAccess(check rbac.AccessCheck) bool
}

// Decision explains an access verdict; UI callers use Reason to choose
// between a login redirect and a forbidden notice.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Reason classifies why access was denied.
type Reason string

const (
	// ReasonGranted marks an allowed decision.
	ReasonGranted Reason = "granted"
	// ReasonUnauthenticated means no live session exists; the caller should
	// be sent to login, not shown a forbidden page.
	ReasonUnauthenticated Reason = "unauthenticated"
	// ReasonForbidden means the session is live but lacks the required
	// roles or permissions.
	ReasonForbidden Reason = "forbidden"
)

// CanAccess evaluates a route requirement against the current session.
// Public routes (an empty check) pass for everyone, including anonymous
// visitors.
func CanAccess(accessSession AccessSession, check rbac.AccessCheck) Decision {
	if len(check.Permissions) == 0 && len(check.Roles) == 0 {
		return Decision{Allowed: true, Reason: ReasonGranted}
	}
	if accessSession.State() != session.StateAuthenticated && accessSession.State() != session.StateRefreshing {
		return Decision{Allowed: false, Reason: ReasonUnauthenticated}
	}
	if !accessSession.HasAccess(check) {
		return Decision{Allowed: false, Reason: ReasonForbidden}
	}
	return Decision{Allowed: true, Reason: ReasonGranted}
}

// RequireAccess rejects requests whose session does not satisfy the check:
// 401 when no session is live, 403 when the session lacks the requirement.
func RequireAccess(accessSession AccessSession, check rbac.AccessCheck, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		decision := CanAccess(accessSession, check)
		if decision.Allowed {
			contextGin.Next()
			return
		}
		identity := accessSession.Identity()
		switch decision.Reason {
		case ReasonUnauthenticated:
			logger.Info("route rejected without session",
				zap.String("code", "guard.unauthenticated"),
				zap.String("path", contextGin.Request.URL.Path))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		default:
			logger.Info("route forbidden",
				zap.String("code", "guard.forbidden"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.String("user_id", identity.UserID))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		}
	}
}
