package repository

import (
	"context"
	"errors"
	"time"

	"github.com/authmesh/authmesh/internal/models"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrOrganizationExists   = errors.New("organization already exists")
	ErrRoleNotFound         = errors.New("role not found")
	ErrRoleNotAssignable    = errors.New("role not assignable")
	ErrRoleOrgMismatch      = errors.New("role belongs to a different organization")
	ErrAssignmentNotFound   = errors.New("role assignment not found")
	ErrInvalidMove          = errors.New("invalid organization move")
	ErrInvalidExpiry        = errors.New("expiry must be in the future")
)

// ResolveOptions narrows a permission resolution.
type ResolveOptions struct {
	IncludeInherited bool
	Pattern          string
}

// Repository is the persistence surface of the authorization server. The
// postgres implementation delegates to stored functions so the precedence
// and tree rules live next to the data; the in-memory implementation mirrors
// those rules in Go for tests and development.
type Repository interface {
	// Users.
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Organizations.
	CreateOrganization(ctx context.Context, req *models.CreateOrganizationRequest, createdBy *string) (*models.Organization, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationByPath(ctx context.Context, path string) (*models.Organization, error)
	MoveOrganization(ctx context.Context, orgID, newParentID string, movedBy *string) (int, error)
	DeactivateOrganization(ctx context.Context, orgID string, updatedBy *string) error
	GetOrganizationHierarchy(ctx context.Context, userID string) ([]models.OrganizationNode, error)
	GetUserOrganizations(ctx context.Context, userID string) ([]models.UserOrganization, error)
	UserHasOrganizationAccess(ctx context.Context, userID, orgID string) (bool, error)

	// Memberships.
	AddMembership(ctx context.Context, m *models.OrganizationMembership) error

	// Roles and permissions.
	CreateRole(ctx context.Context, req *models.CreateRoleRequest) (*models.Role, error)
	GetRole(ctx context.Context, id string) (*models.Role, error)
	AssignRole(ctx context.Context, req *models.AssignRoleRequest, grantedBy *string) (string, error)
	RevokeRole(ctx context.Context, req *models.RevokeRoleRequest, revokedBy *string) error
	AddPermissionToRole(ctx context.Context, roleID, permission string, grantedBy *string) error
	RemovePermissionFromRole(ctx context.Context, roleID, permission string) error
	ExpireUserRoles(ctx context.Context) (int, error)

	// Resolution.
	ResolvePermissions(ctx context.Context, userID, orgID string, opts ResolveOptions) ([]models.ResolvedPermission, error)
	CheckPermission(ctx context.Context, userID, orgID, permission string) (bool, error)
	CheckPermissionsBulk(ctx context.Context, userID, orgID string, permissions []string) ([]models.PermissionCheck, error)
	GetUserRoles(ctx context.Context, userID, orgID string) ([]models.UserRole, error)

	// Token blacklist.
	BlacklistToken(ctx context.Context, entry *models.TokenBlacklistEntry) error
	IsTokenBlacklisted(ctx context.Context, jti string, userID *string) (*models.BlacklistStatus, error)
	EmergencyRevokeUserTokens(ctx context.Context, userID string, revokedBy *string, ttl time.Duration) error
	CleanupExpiredTokens(ctx context.Context) (int, error)

	// Audit log.
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) (string, error)
	QueryAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	GetSecurityEventsSummary(ctx context.Context, from, to time.Time) ([]models.SecuritySummaryRow, error)
	DetectSuspiciousActivity(ctx context.Context, window time.Duration, failThreshold, orgThreshold int) ([]models.SuspiciousActivity, error)

	// Maintenance.
	RefreshDirectPermissions(ctx context.Context) error

	Ping(ctx context.Context) error
	Close()
}
