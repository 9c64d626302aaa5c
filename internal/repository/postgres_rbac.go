package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/database"
)

// =============================================================================
// ROLES AND PERMISSIONS
// =============================================================================

func (r *PostgresRepository) CreateRole(ctx context.Context, req *models.CreateRoleRequest) (*models.Role, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO authz.roles (organization_id, name, display_name, description,
		                         is_assignable, is_inheritable, priority, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, '{}'))
		RETURNING id, is_active, created_at, updated_at
	`

	role := models.Role{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		IsAssignable:   req.IsAssignable,
		IsInheritable:  req.IsInheritable,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
	}
	err := r.pool.QueryRow(ctx, query,
		req.OrganizationID, req.Name, req.DisplayName, req.Description,
		req.IsAssignable, req.IsInheritable, req.Priority, req.Metadata,
	).Scan(&role.ID, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("role %q already exists in organization: %w", req.Name, err)
		}
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	return &role, nil
}

func (r *PostgresRepository) GetRole(ctx context.Context, id string) (*models.Role, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, organization_id, name, display_name, description,
		       is_active, is_assignable, is_inheritable, priority, metadata,
		       created_at, updated_at
		FROM authz.roles
		WHERE id = $1
	`

	var role models.Role
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&role.ID, &role.OrganizationID, &role.Name, &role.DisplayName, &role.Description,
		&role.IsActive, &role.IsAssignable, &role.IsInheritable, &role.Priority, &role.Metadata,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	permQuery := `
		SELECT p.id, p.permission, p.resource, p.action, p.category, p.display_name, p.description
		FROM authz.role_permissions rp
		JOIN authz.permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.permission
	`
	rows, err := r.pool.Query(ctx, permQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.ID, &p.Permission, &p.Resource, &p.Action, &p.Category, &p.DisplayName, &p.Description); err != nil {
			return nil, fmt.Errorf("failed to scan permission row: %w", err)
		}
		role.Permissions = append(role.Permissions, p)
	}
	return &role, rows.Err()
}

func (r *PostgresRepository) AssignRole(ctx context.Context, req *models.AssignRoleRequest, grantedBy *string) (string, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT authz.assign_user_role($1, $2, $3, $4, $5)`,
		req.UserID, req.RoleID, req.OrganizationID, grantedBy, req.ExpiresAt,
	).Scan(&id)
	if err != nil {
		switch {
		case raisedWith(err, "not assignable"), raisedWith(err, "not found"):
			return "", ErrRoleNotFound
		case raisedWith(err, "different organization"):
			return "", ErrRoleOrgMismatch
		case raisedWith(err, "expiry must be in the future"):
			return "", ErrInvalidExpiry
		case isUniqueViolation(err):
			// Assignment already live; idempotent success.
			return "", nil
		}
		return "", fmt.Errorf("failed to assign role: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) RevokeRole(ctx context.Context, req *models.RevokeRoleRequest, revokedBy *string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var found bool
	err := r.pool.QueryRow(ctx,
		`SELECT authz.revoke_user_role($1, $2, $3, $4)`,
		req.UserID, req.RoleID, req.OrganizationID, revokedBy,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if !found {
		return ErrAssignmentNotFound
	}
	return nil
}

func (r *PostgresRepository) AddPermissionToRole(ctx context.Context, roleID, permission string, grantedBy *string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`SELECT authz.add_permission_to_role($1, $2, $3)`,
		roleID, permission, grantedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to add permission to role: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemovePermissionFromRole(ctx context.Context, roleID, permission string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var found bool
	err := r.pool.QueryRow(ctx,
		`SELECT authz.remove_permission_from_role($1, $2)`,
		roleID, permission,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("failed to remove permission from role: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ExpireUserRoles(ctx context.Context) (int, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, `SELECT authz.expire_user_roles()`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to expire user roles: %w", err)
	}
	return count, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

func (r *PostgresRepository) ResolvePermissions(ctx context.Context, userID, orgID string, opts ResolveOptions) ([]models.ResolvedPermission, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var pattern *string
	if opts.Pattern != "" {
		pattern = &opts.Pattern
	}

	rows, err := r.pool.Query(ctx,
		`SELECT permission, role_id, role_name, is_inheritable, source,
		        priority, granted_at, expires_at, conditions
		   FROM authz.resolve_user_permissions($1, $2, $3, $4)
		  ORDER BY permission`,
		userID, orgID, opts.IncludeInherited, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	defer rows.Close()

	var resolved []models.ResolvedPermission
	for rows.Next() {
		var p models.ResolvedPermission
		if err := rows.Scan(
			&p.Permission, &p.RoleID, &p.RoleName, &p.IsInheritable, &p.Source,
			&p.Priority, &p.GrantedAt, &p.ExpiresAt, &p.Conditions,
		); err != nil {
			return nil, fmt.Errorf("failed to scan resolved permission: %w", err)
		}
		resolved = append(resolved, p)
	}
	return resolved, rows.Err()
}

func (r *PostgresRepository) CheckPermission(ctx context.Context, userID, orgID, permission string) (bool, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var has bool
	err := r.pool.QueryRow(ctx,
		`SELECT authz.check_user_permission($1, $2, $3)`,
		userID, orgID, permission,
	).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return has, nil
}

func (r *PostgresRepository) CheckPermissionsBulk(ctx context.Context, userID, orgID string, permissions []string) ([]models.PermissionCheck, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT permission, has_permission
		   FROM authz.check_user_permissions_bulk($1, $2, $3)`,
		userID, orgID, permissions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk check permissions: %w", err)
	}
	defer rows.Close()

	var checks []models.PermissionCheck
	for rows.Next() {
		var c models.PermissionCheck
		if err := rows.Scan(&c.Permission, &c.HasPermission); err != nil {
			return nil, fmt.Errorf("failed to scan permission check: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func (r *PostgresRepository) GetUserRoles(ctx context.Context, userID, orgID string) ([]models.UserRole, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.organization_id,
		       ur.granted_by, ur.granted_at, ur.expires_at, ur.is_active,
		       r.id, r.organization_id, r.name, r.display_name,
		       r.is_active, r.is_assignable, r.is_inheritable, r.priority
		FROM authz.user_roles ur
		JOIN authz.roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		  AND ur.organization_id = $2
		  AND ur.is_active
		  AND (ur.expires_at IS NULL OR ur.expires_at > now())
		ORDER BY r.priority DESC, ur.granted_at
	`

	rows, err := r.pool.Query(ctx, query, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var userRoles []models.UserRole
	for rows.Next() {
		var ur models.UserRole
		var role models.Role
		if err := rows.Scan(
			&ur.ID, &ur.UserID, &ur.RoleID, &ur.OrganizationID,
			&ur.GrantedBy, &ur.GrantedAt, &ur.ExpiresAt, &ur.IsActive,
			&role.ID, &role.OrganizationID, &role.Name, &role.DisplayName,
			&role.IsActive, &role.IsAssignable, &role.IsInheritable, &role.Priority,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		ur.Role = &role
		userRoles = append(userRoles, ur)
	}
	return userRoles, rows.Err()
}

func (r *PostgresRepository) RefreshDirectPermissions(ctx context.Context) error {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `SELECT authz.refresh_user_direct_permissions()`); err != nil {
		return fmt.Errorf("failed to refresh direct permissions: %w", err)
	}
	return nil
}
