package domain

// Role is the access level carried by an API token.
type Role string

// Roles, ordered by increasing privilege.
const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r is at least as privileged as required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}
