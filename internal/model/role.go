package model

// Role is the access level carried in a bearer token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleWorker:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
