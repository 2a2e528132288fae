package rbac

import "testing"

func testChainHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	hierarchy, err := NewHierarchy(
		map[Role][]Role{
			"user":     nil,
			"employee": {"user"},
			"manager":  {"employee"},
		},
		map[Role][]Permission{
			"user":     {"profile:read"},
			"employee": {"users:read"},
			"manager":  {"users:write", "audit:export"},
		},
	)
	if err != nil {
		t.Fatalf("hierarchy construction failed: %v", err)
	}
	return hierarchy
}

func TestEffectivePermissionsClosureIsSuperset(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testChainHierarchy(t))

	managerSet := engine.EffectivePermissions([]Role{"manager"}, nil)
	employeeSet := engine.EffectivePermissions([]Role{"employee"}, nil)
	userSet := engine.EffectivePermissions([]Role{"user"}, nil)

	for permission := range employeeSet {
		if _, ok := managerSet[permission]; !ok {
			t.Fatalf("manager set missing inherited employee permission %q", permission)
		}
	}
	for permission := range userSet {
		if _, ok := managerSet[permission]; !ok {
			t.Fatalf("manager set missing inherited user permission %q", permission)
		}
	}
	if len(managerSet) != 4 {
		t.Fatalf("expected 4 effective permissions for manager, got %v", managerSet.Sorted())
	}
}

func TestEffectivePermissionsIncludesDirectGrants(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testChainHierarchy(t))
	effective := engine.EffectivePermissions([]Role{"user"}, []Permission{"reports:read"})
	if !effective.Has("reports:read") {
		t.Fatalf("direct permission missing from effective set")
	}
	if !effective.Has("profile:read") {
		t.Fatalf("role grant missing from effective set")
	}
}

func TestEffectivePermissionsMemoizationIsOrderInsensitive(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testChainHierarchy(t))
	first := engine.EffectivePermissions([]Role{"manager", "user"}, []Permission{"b", "a"})
	second := engine.EffectivePermissions([]Role{"user", "manager"}, []Permission{"a", "b"})
	if len(first) != len(second) {
		t.Fatalf("expected identical sets regardless of input order: %v vs %v", first.Sorted(), second.Sorted())
	}
	for permission := range first {
		if _, ok := second[permission]; !ok {
			t.Fatalf("sets diverge on %q", permission)
		}
	}
}

func TestHasRoleFollowsInheritance(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultHierarchy())

	if !engine.HasRole([]Role{RoleSuperAdmin}, RoleAdmin) {
		t.Fatalf("super_admin must satisfy an admin requirement")
	}
	if engine.HasRole([]Role{RoleEmployee}, RoleAdmin) {
		t.Fatalf("employee must not satisfy an admin requirement")
	}
	if !engine.HasRole([]Role{RoleEmployee}, RoleAdmin, RoleUser) {
		t.Fatalf("employee must satisfy a requirement listing user as an alternative")
	}
	if !engine.HasRole([]Role{RoleEmployee}) {
		t.Fatalf("empty requirement must always pass")
	}
}

func TestHasAccessCombinesPermissionAndRoleRequirements(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testChainHierarchy(t))
	held := []Role{"manager"}

	testCases := []struct {
		name     string
		check    AccessCheck
		expected bool
	}{
		{
			name:     "any-of default passes on one match",
			check:    AccessCheck{Permissions: []Permission{"users:write", "missing:perm"}},
			expected: true,
		},
		{
			name:     "all-of fails on one miss",
			check:    AccessCheck{Permissions: []Permission{"users:write", "missing:perm"}, RequireAll: true},
			expected: false,
		},
		{
			name:     "all-of passes when every permission is held",
			check:    AccessCheck{Permissions: []Permission{"users:write", "users:read"}, RequireAll: true},
			expected: true,
		},
		{
			name:     "role requirement ANDs with permissions",
			check:    AccessCheck{Permissions: []Permission{"users:write"}, Roles: []Role{"admin"}},
			expected: false,
		},
		{
			name:     "satisfied role requirement",
			check:    AccessCheck{Permissions: []Permission{"users:write"}, Roles: []Role{"employee"}},
			expected: true,
		},
		{
			name:     "role-only requirement",
			check:    AccessCheck{Roles: []Role{"user"}},
			expected: true,
		},
		{
			name:     "empty check passes",
			check:    AccessCheck{},
			expected: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := engine.HasAccess(held, nil, testCase.check); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}
