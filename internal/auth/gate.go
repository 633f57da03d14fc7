package auth

import (
	"fmt"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// DefaultAdminRoles bypass every permission check.
var DefaultAdminRoles = []string{"Admin", "Администратор"}

// Gate decides whether a principal holds a named permission.
type Gate struct {
	adminRoles []string
}

// NewGate creates a gate. An empty list falls back to DefaultAdminRoles.
func NewGate(adminRoles ...string) *Gate {
	if len(adminRoles) == 0 {
		adminRoles = DefaultAdminRoles
	}
	return &Gate{adminRoles: adminRoles}
}

// IsAdmin reports whether p belongs to an administrator role.
func (g *Gate) IsAdmin(p *Principal) bool {
	if p == nil {
		return false
	}
	for _, r := range g.adminRoles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// Allows is Authorize without the error.
func (g *Gate) Allows(p *Principal, permission string) bool {
	if p == nil {
		return false
	}
	return g.IsAdmin(p) || p.HasPermission(permission)
}

// Authorize returns a forbidden error unless p holds permission.
func (g *Gate) Authorize(p *Principal, permission string) error {
	if p == nil {
		return errors.Unauthenticated("authentication required")
	}
	if g.Allows(p, permission) {
		return nil
	}
	return errors.Forbidden(fmt.Sprintf("missing permission %s", permission))
}

// AuthorizeAny succeeds when p holds at least one of permissions.
func (g *Gate) AuthorizeAny(p *Principal, permissions ...string) error {
	if p == nil {
		return errors.Unauthenticated("authentication required")
	}
	for _, perm := range permissions {
		if g.Allows(p, perm) {
			return nil
		}
	}
	return errors.Forbidden(fmt.Sprintf("missing any of permissions %v", permissions))
}
