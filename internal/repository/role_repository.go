package repository

import (
	"context"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// RoleRepository loads role and permission names from the RBAC tables. It is
// the RoleSource behind token authentication and is queried on every request.
type RoleRepository struct {
	q Querier
}

// NewRoleRepository creates a new RoleRepository.
func NewRoleRepository(q Querier) *RoleRepository {
	return &RoleRepository{q: q}
}

// RolesAndPermissions returns the role names held by userID and the distinct
// permission names granted through them.
func (r *RoleRepository) RolesAndPermissions(ctx context.Context, userID int64) ([]string, []string, error) {
	roles, err := r.names(ctx, `
		SELECT r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load user roles")
	}

	perms, err := r.names(ctx, `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY p.name
	`, userID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load user permissions")
	}
	return roles, perms, nil
}

func (r *RoleRepository) names(ctx context.Context, query string, userID int64) ([]string, error) {
	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
