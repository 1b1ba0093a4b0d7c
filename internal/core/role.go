package core

import "strings"

// Role is the role granted to a session by its token
type Role string

const (
	RoleBroadcaster Role = "BROADCASTER"
	RoleHost        Role = "HOST"
	RoleAdmin       Role = "ADMIN"
	RoleViewer      Role = "VIEWER"
)

// PublisherRoles may create rooms and publish media
var PublisherRoles = []Role{RoleBroadcaster, RoleHost, RoleAdmin}

// ParseRole normalizes a role claim. Unknown roles are kept as is, they simply
// never match an allowed set.
func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

func (r Role) IsOneOf(roles ...Role) bool {
	for _, allowed := range roles {
		if r == allowed {
			return true
		}
	}
	return false
}
