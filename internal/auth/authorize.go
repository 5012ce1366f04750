package auth

import (
	"strings"

	"helpdesk/internal/account"
)

// HasPermission is the capability check behind route guards: admin is
// unrestricted, other roles consult their capability table.
func HasPermission(a account.Account, action, resource string) bool {
	return a.Role.Can(action, resource)
}

// CanAccessTicket applies the resource-ownership override: user-role
// actors may only touch tickets whose owner email equals their own,
// technicians and admins are unrestricted.
func CanAccessTicket(a account.Account, ownerEmail string) bool {
	switch a.Role {
	case account.RoleAdmin, account.RoleTechnician:
		return true
	case account.RoleUser:
		return strings.EqualFold(a.Email, ownerEmail)
	}
	return false
}
