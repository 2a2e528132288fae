package rbac

// Role identifies a named access level. The shipped hierarchy is a linear
// chain, but custom roles may declare any acyclic inheritance shape.
type Role string

// Built-in roles from lowest to highest privilege.
const (
	RolePublic     Role = "public"
	RoleUser       Role = "user"
	RoleEmployee   Role = "employee"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Permission is a resource:action capability token, optionally carrying a
// trailing wildcard segment ("users:*", "*:*").
type Permission string

// Built-in permissions guarding the admin dashboard surfaces.
const (
	PermUsersRead    Permission = "users:read"
	PermUsersWrite   Permission = "users:write"
	PermUsersDelete  Permission = "users:delete"
	PermUsersAll     Permission = "users:*"
	PermRolesRead    Permission = "roles:read"
	PermRolesWrite   Permission = "roles:write"
	PermAuditRead    Permission = "audit:read"
	PermAuditExport  Permission = "audit:export"
	PermGDPRRead     Permission = "gdpr:read"
	PermGDPRExecute  Permission = "gdpr:execute"
	PermProfileRead  Permission = "profile:read"
	PermProfileWrite Permission = "profile:write"
	PermEverything   Permission = "*:*"
)

// DefaultHierarchy returns the shipped role chain
// public < user < employee < manager < admin < super_admin together with the
// permission grants each level adds.
func DefaultHierarchy() *Hierarchy {
	hierarchy, err := NewHierarchy(
		map[Role][]Role{
			RolePublic:     nil,
			RoleUser:       {RolePublic},
			RoleEmployee:   {RoleUser},
			RoleManager:    {RoleEmployee},
			RoleAdmin:      {RoleManager},
			RoleSuperAdmin: {RoleAdmin},
		},
		map[Role][]Permission{
			RolePublic:     nil,
			RoleUser:       {PermProfileRead, PermProfileWrite},
			RoleEmployee:   {PermUsersRead, PermAuditRead},
			RoleManager:    {PermUsersWrite, PermAuditExport},
			RoleAdmin:      {PermUsersAll, PermRolesRead, PermRolesWrite, PermGDPRRead},
			RoleSuperAdmin: {PermEverything, PermGDPRExecute},
		},
	)
	if err != nil {
		// The shipped table is static; a construction error here is a
		// programming mistake, not a runtime condition.
		panic(err)
	}
	return hierarchy
}
