package session

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tadmin/internal/rbac"
)

// ErrMalformedAccessToken indicates the access token could not be decoded.
var ErrMalformedAccessToken = errors.New("session.malformed_access_token")

// Identity is the session-scoped view of the authenticated user, decoded
// from the access token claims.
type Identity struct {
	UserID            string
	Email             string
	DisplayName       string
	Roles             []rbac.Role
	DirectPermissions []rbac.Permission
}

type accessClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	UserPermissions []string `json:"user_permissions"`
	jwt.RegisteredClaims
}

// decodeIdentity extracts roles and direct permissions from the access
// token. The client never holds the signing key; the decode is unverified
// and only gates UI decisions, the backend re-checks every call.
func decodeIdentity(accessToken string) (Identity, error) {
	parser := jwt.NewParser()
	claims := &accessClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return Identity{}, fmt.Errorf("session.decode_identity: %w: %w", ErrMalformedAccessToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("session.decode_identity: %w: subject missing", ErrMalformedAccessToken)
	}

	roles := make([]rbac.Role, 0, len(claims.UserRoles))
	for _, role := range claims.UserRoles {
		if role == "" {
			continue
		}
		roles = append(roles, rbac.Role(role))
	}
	permissions := make([]rbac.Permission, 0, len(claims.UserPermissions))
	for _, permission := range claims.UserPermissions {
		if permission == "" {
			continue
		}
		permissions = append(permissions, rbac.Permission(permission))
	}

	return Identity{
		UserID:            claims.UserID,
		Email:             claims.UserEmail,
		DisplayName:       claims.UserDisplayName,
		Roles:             roles,
		DirectPermissions: permissions,
	}, nil
}
