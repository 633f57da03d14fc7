package auth

import (
	"context"
	"sort"
)

// Permission names are "resource.action" and are matched exactly.
const (
	PermPaymentsCreate   = "payments.create"
	PermPaymentsRead     = "payments.read"
	PermPaymentsUpdate   = "payments.update"
	PermPaymentsDelete   = "payments.delete"
	PermPaymentsMarkPaid = "payments.mark_paid"
	PermApprovalsRead    = "approvals.read"
	PermTicketsCreate    = "tickets.create"
	PermTicketsRead      = "tickets.read"
	PermTicketsUpdate    = "tickets.update"
)

// Principal is the authenticated caller of a single request.
type Principal struct {
	UserID      int64
	roles       map[string]struct{}
	permissions map[string]struct{}
}

// NewPrincipal builds a principal from its role and permission names.
func NewPrincipal(userID int64, roles, permissions []string) *Principal {
	p := &Principal{
		UserID:      userID,
		roles:       make(map[string]struct{}, len(roles)),
		permissions: make(map[string]struct{}, len(permissions)),
	}
	for _, r := range roles {
		p.roles[r] = struct{}{}
	}
	for _, perm := range permissions {
		p.permissions[perm] = struct{}{}
	}
	return p
}

func (p *Principal) HasRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

func (p *Principal) HasPermission(perm string) bool {
	_, ok := p.permissions[perm]
	return ok
}

// Roles returns the role names in sorted order.
func (p *Principal) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

type principalKey struct{}

// WithPrincipal stores p in ctx for the lifetime of the request.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
