// Package rbac is the administrative surface for roles: definition,
// assignment, revocation, and the role-permission edges. Every mutation is
// audited and invalidates the actor's cached resolutions.
package rbac

import (
	"context"
	"errors"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Service carries out role administration.
type Service struct {
	repo    repository.Repository
	engine  *permissions.Engine
	auditor *audit.Logger
	logger  *logging.Logger
}

func NewService(repo repository.Repository, engine *permissions.Engine, auditor *audit.Logger, logger *logging.Logger) *Service {
	return &Service{repo: repo, engine: engine, auditor: auditor, logger: logger}
}

// CreateRole defines a role inside an organization.
func (s *Service) CreateRole(ctx context.Context, req *models.CreateRoleRequest, actorID *string) (*models.Role, error) {
	if req.Name == "" {
		return nil, apperr.New(apperr.CodeConstraintViolation, "role name is required")
	}

	role, err := s.repo.CreateRole(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrganizationNotFound):
			return nil, apperr.Wrap(apperr.CodeOrganizationNotFound, "role organization not found", err)
		}
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "create role", err)
	}

	s.auditor.Administration(ctx, models.EventRoleGranted, models.ResultSuccess, actorID, &role.OrganizationID, "role", role.ID, map[string]any{
		"role_name":      role.Name,
		"is_inheritable": role.IsInheritable,
		"priority":       role.Priority,
		"operation":      "create",
	})
	return role, nil
}

// GetRole returns a role with its permission list.
func (s *Service) GetRole(ctx context.Context, roleID string) (*models.Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			return nil, apperr.Wrap(apperr.CodeRoleNotFound, "role not found", err)
		}
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "get role", err)
	}
	return role, nil
}

// AssignRole grants a role to a user in the role's own organization.
// Re-assigning a live grant is idempotent.
func (s *Service) AssignRole(ctx context.Context, req *models.AssignRoleRequest, actorID *string) (string, error) {
	assignmentID, err := s.repo.AssignRole(ctx, req, actorID)
	if err != nil {
		s.auditor.Administration(ctx, models.EventRoleGranted, models.ResultFailure, actorID, &req.OrganizationID, "user_role", "", map[string]any{
			"user_id": req.UserID,
			"role_id": req.RoleID,
			"code":    apperr.CodeOf(mapAssignError(err)),
		})
		return "", mapAssignError(err)
	}

	s.engine.Invalidate(ctx, req.UserID)
	s.auditor.Administration(ctx, models.EventRoleGranted, models.ResultSuccess, actorID, &req.OrganizationID, "user_role", assignmentID, map[string]any{
		"user_id":    req.UserID,
		"role_id":    req.RoleID,
		"expires_at": req.ExpiresAt,
	})
	return assignmentID, nil
}

func mapAssignError(err error) error {
	switch {
	case errors.Is(err, repository.ErrRoleNotFound):
		return apperr.Wrap(apperr.CodeRoleNotFound, "role not found", err)
	case errors.Is(err, repository.ErrUserNotFound):
		return apperr.Wrap(apperr.CodeUserNotFoundInRbac, "user not found", err)
	case errors.Is(err, repository.ErrRoleNotAssignable):
		return apperr.Wrap(apperr.CodeConstraintViolation, "role is not assignable", err)
	case errors.Is(err, repository.ErrRoleOrgMismatch):
		return apperr.Wrap(apperr.CodeConstraintViolation, "role belongs to a different organization", err)
	case errors.Is(err, repository.ErrOrganizationNotFound):
		return apperr.Wrap(apperr.CodeOrganizationNotFoundInRbac, "organization not found", err)
	case errors.Is(err, repository.ErrInvalidExpiry):
		return apperr.Wrap(apperr.CodeConstraintViolation, "expiry must be in the future", err)
	}
	return apperr.Wrap(apperr.CodeQueryFailed, "assign role", err)
}

// RevokeRole soft-revokes an assignment. The grant history stays behind for
// the audit trail.
func (s *Service) RevokeRole(ctx context.Context, req *models.RevokeRoleRequest, actorID *string) error {
	if err := s.repo.RevokeRole(ctx, req, actorID); err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			return apperr.Wrap(apperr.CodeRoleNotFound, "role assignment not found", err)
		}
		return apperr.Wrap(apperr.CodeQueryFailed, "revoke role", err)
	}

	s.engine.Invalidate(ctx, req.UserID)
	s.auditor.Administration(ctx, models.EventRoleRevoked, models.ResultSuccess, actorID, &req.OrganizationID, "user_role", "", map[string]any{
		"user_id": req.UserID,
		"role_id": req.RoleID,
		"reason":  req.Reason,
	})
	return nil
}

// AddPermission attaches a permission to a role. New permission strings
// enter the catalog on first use.
func (s *Service) AddPermission(ctx context.Context, req *models.RolePermissionRequest, actorID *string) error {
	if _, _, ok := models.SplitPermission(req.Permission); !ok && req.Permission != "*:*" {
		return apperr.Newf(apperr.CodeConstraintViolation, "permission %q is not in resource:action form", req.Permission)
	}
	if err := s.repo.AddPermissionToRole(ctx, req.RoleID, req.Permission, actorID); err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			return apperr.Wrap(apperr.CodeRoleNotFound, "role not found", err)
		}
		return apperr.Wrap(apperr.CodeQueryFailed, "add permission to role", err)
	}

	s.auditor.Administration(ctx, models.EventRoleGranted, models.ResultSuccess, actorID, nil, "role_permission", req.RoleID, map[string]any{
		"permission": req.Permission,
		"operation":  "add",
	})
	return nil
}

// RemovePermission detaches a permission from a role.
func (s *Service) RemovePermission(ctx context.Context, req *models.RolePermissionRequest, actorID *string) error {
	if err := s.repo.RemovePermissionFromRole(ctx, req.RoleID, req.Permission); err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			return apperr.Wrap(apperr.CodeRoleNotFound, "role not found", err)
		}
		return apperr.Wrap(apperr.CodeQueryFailed, "remove permission from role", err)
	}

	s.auditor.Administration(ctx, models.EventRoleRevoked, models.ResultSuccess, actorID, nil, "role_permission", req.RoleID, map[string]any{
		"permission": req.Permission,
		"operation":  "remove",
	})
	return nil
}

// UserRoles lists a user's active assignments in one organization.
func (s *Service) UserRoles(ctx context.Context, userID, orgID string) ([]models.UserRole, error) {
	roles, err := s.repo.GetUserRoles(ctx, userID, orgID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "list user roles", err)
	}
	return roles, nil
}
