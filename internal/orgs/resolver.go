// Package orgs manages the organization tree and membership reach.
package orgs

import (
	"context"
	"errors"
	"sort"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Resolver answers organization questions over the repository and applies
// the login-organization selection rule.
type Resolver struct {
	repo   repository.Repository
	logger *logging.Logger
}

func NewResolver(repo repository.Repository, logger *logging.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger}
}

// Get returns one organization.
func (r *Resolver) Get(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := r.repo.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, repository.ErrOrganizationNotFound) {
			return nil, apperr.Wrap(apperr.CodeOrganizationNotFound, "organization not found", err)
		}
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "get organization", err)
	}
	return org, nil
}

// ForUser lists every organization the user can reach.
func (r *Resolver) ForUser(ctx context.Context, userID string) ([]models.UserOrganization, error) {
	orgs, err := r.repo.GetUserOrganizations(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "list user organizations", err)
	}
	return orgs, nil
}

// SelectLoginOrganization picks the organization a fresh token is scoped to:
// the primary membership if one exists, otherwise the first direct
// membership by name. No direct membership at all fails the login.
func SelectLoginOrganization(orgs []models.UserOrganization) (*models.UserOrganization, error) {
	var member []models.UserOrganization
	for _, o := range orgs {
		if o.Source == models.OrganizationSourceMember {
			member = append(member, o)
		}
	}
	if len(member) == 0 {
		return nil, apperr.New(apperr.CodeNoOrganizationMembership, "user has no organization membership")
	}

	for i := range member {
		if member[i].IsPrimary {
			return &member[i], nil
		}
	}

	sort.Slice(member, func(i, j int) bool { return member[i].Name < member[j].Name })
	return &member[0], nil
}

// HasAccess applies the ancestor-membership rule.
func (r *Resolver) HasAccess(ctx context.Context, userID, orgID string) (bool, error) {
	ok, err := r.repo.UserHasOrganizationAccess(ctx, userID, orgID)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeQueryFailed, "check organization access", err)
	}
	return ok, nil
}

// Hierarchy returns the tree annotated with the caller's reach.
func (r *Resolver) Hierarchy(ctx context.Context, userID string) ([]models.OrganizationNode, error) {
	nodes, err := r.repo.GetOrganizationHierarchy(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "get organization hierarchy", err)
	}
	return nodes, nil
}

// Create adds an organization under a parent (the admin root when none is
// given).
func (r *Resolver) Create(ctx context.Context, req *models.CreateOrganizationRequest, createdBy *string) (*models.Organization, error) {
	if !models.ValidOrganizationName(req.Name) {
		return nil, apperr.Newf(apperr.CodeOrganizationPathInvalid, "invalid organization name %q", req.Name)
	}
	org, err := r.repo.CreateOrganization(ctx, req, createdBy)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrganizationExists):
			return nil, apperr.Wrap(apperr.CodeOrganizationPathInvalid, "organization path already exists", err)
		case errors.Is(err, repository.ErrOrganizationNotFound):
			return nil, apperr.Wrap(apperr.CodeOrganizationNotFound, "parent organization not found", err)
		}
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "create organization", err)
	}
	return org, nil
}

// Move re-parents a subtree. Returns the number of organizations whose path
// changed.
func (r *Resolver) Move(ctx context.Context, orgID, newParentID string, movedBy *string) (int, error) {
	moved, err := r.repo.MoveOrganization(ctx, orgID, newParentID, movedBy)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvalidMove):
			return 0, apperr.Wrap(apperr.CodeOrganizationPathInvalid, "invalid organization move", err)
		case errors.Is(err, repository.ErrOrganizationNotFound):
			return 0, apperr.Wrap(apperr.CodeOrganizationNotFound, "organization not found", err)
		}
		return 0, apperr.Wrap(apperr.CodeQueryFailed, "move organization", err)
	}
	return moved, nil
}

// Deactivate soft-disables an organization. The admin root never
// deactivates.
func (r *Resolver) Deactivate(ctx context.Context, orgID string, updatedBy *string) error {
	if orgID == models.AdminOrganizationID {
		return apperr.New(apperr.CodeOrganizationPathInvalid, "the admin root cannot be deactivated")
	}
	if err := r.repo.DeactivateOrganization(ctx, orgID, updatedBy); err != nil {
		if errors.Is(err, repository.ErrOrganizationNotFound) {
			return apperr.Wrap(apperr.CodeOrganizationNotFound, "organization not found", err)
		}
		return apperr.Wrap(apperr.CodeQueryFailed, "deactivate organization", err)
	}
	return nil
}
