package rbac

import (
	"sort"
	"strings"
)

// PermissionSet is an effective permission set. Stored entries may carry
// wildcard segments; required permissions are matched exactly or against a
// wildcard pattern.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions, deduplicating.
func NewPermissionSet(permissions ...Permission) PermissionSet {
	set := make(PermissionSet, len(permissions))
	for _, permission := range permissions {
		if permission == "" {
			continue
		}
		set[permission] = struct{}{}
	}
	return set
}

// Has reports whether the required permission is satisfied by the set,
// either by exact match or by a stored wildcard pattern. Matching is
// case-sensitive and segment-based (split on ":"); a "*" segment matches
// exactly one required segment, so "users:*" satisfies "users:delete" but
// never "users:jobs:delete". Multi-segment wildcards are not supported.
func (set PermissionSet) Has(required Permission) bool {
	if required == "" {
		return false
	}
	if _, exact := set[required]; exact {
		return true
	}
	requiredSegments := strings.Split(string(required), ":")
	for stored := range set {
		if !strings.Contains(string(stored), "*") {
			continue
		}
		if matchSegments(strings.Split(string(stored), ":"), requiredSegments) {
			return true
		}
	}
	return false
}

// HasAll reports whether every required permission is satisfied.
func (set PermissionSet) HasAll(required []Permission) bool {
	for _, permission := range required {
		if !set.Has(permission) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one required permission is satisfied.
func (set PermissionSet) HasAny(required []Permission) bool {
	for _, permission := range required {
		if set.Has(permission) {
			return true
		}
	}
	return false
}

// Sorted returns the set's entries in deterministic order.
func (set PermissionSet) Sorted() []Permission {
	permissions := make([]Permission, 0, len(set))
	for permission := range set {
		permissions = append(permissions, permission)
	}
	sort.Slice(permissions, func(left, right int) bool { return permissions[left] < permissions[right] })
	return permissions
}

func matchSegments(stored []string, required []string) bool {
	if len(stored) != len(required) {
		return false
	}
	for index := range stored {
		if stored[index] == "*" {
			continue
		}
		if stored[index] != required[index] {
			return false
		}
	}
	return true
}
