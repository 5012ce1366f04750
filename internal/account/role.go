package account

// Role is the closed set of access levels an account can hold.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleUser       Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTechnician, RoleUser:
		return true
	}
	return false
}

// roleCapabilities maps each non-admin role to its allowed
// "action:resource" pairs. A "action:*" entry matches any resource.
// Admin is unrestricted and never consults the table.
var roleCapabilities = map[Role]map[string]bool{
	RoleTechnician: {
		"read:tickets":   true,
		"update:tickets": true,
		"create:tickets": true,
		"create:notes":   true,
		"read:users":     true,
		"read:dashboard": true,
		"read:reports":   true,
	},
	RoleUser: {
		"create:tickets": true,
		"read:tickets":   true,
		"update:tickets": true,
		"read:dashboard": true,
	},
}

// Can reports whether the role may perform action on resource. Ticket
// ownership restrictions for user-role actors are enforced separately.
func (r Role) Can(action, resource string) bool {
	if r == RoleAdmin {
		return true
	}

	caps, ok := roleCapabilities[r]
	if !ok {
		return false
	}

	return caps[action+":"+resource] || caps[action+":*"]
}
