package rbac

import (
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Effective-set computation is deterministic and pure, so results are
// memoized per distinct (roles, direct permissions) input. The TTL is a
// safety net; the hierarchy itself is immutable after load and a reload
// means constructing a fresh Engine.
const (
	effectiveCacheSize = 512
	effectiveCacheTTL  = 5 * time.Minute
)

// Engine answers access-check queries against a loaded Hierarchy.
type Engine struct {
	hierarchy *Hierarchy
	cache     *expirable.LRU[string, PermissionSet]
}

// AccessCheck describes a composite access requirement: a permission list
// combined with OR (default) or AND (RequireAll) semantics, optionally
// ANDed with a role requirement.
type AccessCheck struct {
	Permissions []Permission
	RequireAll  bool
	Roles       []Role
}

// NewEngine wraps a hierarchy with a memoizing permission engine.
func NewEngine(hierarchy *Hierarchy) *Engine {
	return &Engine{
		hierarchy: hierarchy,
		cache:     expirable.NewLRU[string, PermissionSet](effectiveCacheSize, nil, effectiveCacheTTL),
	}
}

// Hierarchy exposes the underlying inheritance table.
func (engine *Engine) Hierarchy() *Hierarchy {
	return engine.hierarchy
}

// EffectivePermissions computes the union of the grants of every role in the
// closure of the held roles, plus the session's direct permissions.
func (engine *Engine) EffectivePermissions(held []Role, direct []Permission) PermissionSet {
	cacheKey := effectiveCacheKey(held, direct)
	if cached, ok := engine.cache.Get(cacheKey); ok {
		return cached
	}

	effective := make(PermissionSet)
	visited := make(map[Role]struct{})
	for _, role := range held {
		for _, member := range engine.hierarchy.Closure(role) {
			if _, seen := visited[member]; seen {
				continue
			}
			visited[member] = struct{}{}
			for _, permission := range engine.hierarchy.grants[member] {
				effective[permission] = struct{}{}
			}
		}
	}
	for _, permission := range direct {
		if permission == "" {
			continue
		}
		effective[permission] = struct{}{}
	}

	engine.cache.Add(cacheKey, effective)
	return effective
}

// HasRole reports whether the closure of any held role intersects the
// required set, so a super_admin satisfies a check for admin.
func (engine *Engine) HasRole(held []Role, required ...Role) bool {
	if len(required) == 0 {
		return true
	}
	wanted := make(map[Role]struct{}, len(required))
	for _, role := range required {
		wanted[role] = struct{}{}
	}
	for _, role := range held {
		for _, member := range engine.hierarchy.Closure(role) {
			if _, ok := wanted[member]; ok {
				return true
			}
		}
	}
	return false
}

// HasAccess evaluates a composite check against the held roles and direct
// permissions.
func (engine *Engine) HasAccess(held []Role, direct []Permission, check AccessCheck) bool {
	if len(check.Roles) > 0 && !engine.HasRole(held, check.Roles...) {
		return false
	}
	if len(check.Permissions) == 0 {
		return true
	}
	effective := engine.EffectivePermissions(held, direct)
	if check.RequireAll {
		return effective.HasAll(check.Permissions)
	}
	return effective.HasAny(check.Permissions)
}

func effectiveCacheKey(held []Role, direct []Permission) string {
	roleNames := make([]string, 0, len(held))
	for _, role := range held {
		roleNames = append(roleNames, string(role))
	}
	sort.Strings(roleNames)

	directNames := make([]string, 0, len(direct))
	for _, permission := range direct {
		directNames = append(directNames, string(permission))
	}
	sort.Strings(directNames)

	return strings.Join(roleNames, ",") + "|" + strings.Join(directNames, ",")
}
