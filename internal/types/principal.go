// Package types holds the shared vocabulary of the collaboration core:
// principals, roles, and the error kinds callers branch on.
package types

// Role is a platform-wide user role.
type Role string

// Platform roles, in ascending order of privilege.
const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleGodRights  Role = "god_rights"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleSuperAdmin, RoleGodRights:
		return true
	}
	return false
}

// Principal identifies an authenticated caller. It is resolved by the
// external auth layer and passed into every core operation.
type Principal struct {
	UserID string
	Role   Role
	TeamID string // empty when the caller has no team context
}

// HasTeam reports whether the principal carries a team scope.
func (p Principal) HasTeam() bool {
	return p.TeamID != ""
}

// IsGodRights reports whether the principal may use admin-only accessors.
func (p Principal) IsGodRights() bool {
	return p.Role == RoleGodRights
}
