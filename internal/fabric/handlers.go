package fabric

import (
	"context"
	"errors"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/cache"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Workers binds the RBAC handlers to fabric subjects. In the single-binary
// deployment they share a process with the requester; with NATS between
// them the same handlers scale out horizontally.
type Workers struct {
	repo    repository.Repository
	engine  *permissions.Engine
	cache   *cache.Cache
	auditor *audit.Logger
	logger  *logging.Logger
}

func NewWorkers(repo repository.Repository, engine *permissions.Engine, c *cache.Cache, auditor *audit.Logger, logger *logging.Logger) *Workers {
	return &Workers{repo: repo, engine: engine, cache: c, auditor: auditor, logger: logger}
}

// Register subscribes every handler on the consumer.
func (w *Workers) Register(consumer *Consumer) error {
	bindings := []struct {
		subject string
		handler HandlerFunc
	}{
		{SubjectUserResolve, w.resolveUser},
		{SubjectUserCreate, w.createUser},
		{SubjectUserOrganizations, w.userOrganizations},
		{SubjectUserPermissions, w.userPermissions},
		{SubjectBlacklistCheck, w.blacklistCheck},
		{SubjectBlacklistAdd, w.blacklistAdd},
		{SubjectPermissionValidate, w.permissionValidate},
		{SubjectAuditAuthentication, w.auditAuthentication},
	}
	for _, b := range bindings {
		if err := consumer.Handle(b.subject, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workers) resolveUser(ctx context.Context, env *Envelope) (any, error) {
	var req ResolveUserRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if req.ExternalID == "" {
		return nil, apperr.New(apperr.CodeExternalIdInvalid, "empty external id")
	}

	user, err := w.repo.GetUserByExternalID(ctx, req.ExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.Wrap(apperr.CodeUserNotFound, "no user for external id", err)
		}
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "resolve user", err)
	}

	// A fresh IdP profile refreshes the stored one.
	if req.Profile != nil && profileChanged(user, req.Profile) {
		user.Email = req.Profile.Email
		user.FirstName = req.Profile.FirstName
		user.LastName = req.Profile.LastName
		if req.Profile.ProfilePictureURL != "" {
			url := req.Profile.ProfilePictureURL
			user.ProfilePictureURL = &url
		}
		if err := w.repo.UpdateUser(ctx, user); err != nil {
			w.logger.WarnContext(ctx, "failed to refresh user profile", "user_id", user.ID, "error", err)
		}
	}

	return ResolveUserResponse{User: user}, nil
}

func profileChanged(user *models.User, p *models.IdPProfile) bool {
	if user.Email != p.Email || user.FirstName != p.FirstName || user.LastName != p.LastName {
		return true
	}
	if p.ProfilePictureURL != "" &&
		(user.ProfilePictureURL == nil || *user.ProfilePictureURL != p.ProfilePictureURL) {
		return true
	}
	return false
}

func (w *Workers) createUser(ctx context.Context, env *Envelope) (any, error) {
	var req CreateUserRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if req.Profile.ExternalID == "" {
		return nil, apperr.New(apperr.CodeExternalIdInvalid, "profile has no external id")
	}

	user := &models.User{
		ExternalID: req.Profile.ExternalID,
		Email:      req.Profile.Email,
		FirstName:  req.Profile.FirstName,
		LastName:   req.Profile.LastName,
		Status:     models.UserActive,
		Source:     "idp",
	}
	if req.Profile.ProfilePictureURL != "" {
		url := req.Profile.ProfilePictureURL
		user.ProfilePictureURL = &url
	}

	err := w.repo.CreateUser(ctx, user)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			// Lost a provisioning race; the winner's row is the answer.
			existing, getErr := w.repo.GetUserByExternalID(ctx, req.Profile.ExternalID)
			if getErr != nil {
				return nil, apperr.Wrap(apperr.CodeUserProvisioningFailed, "user exists but lookup failed", getErr)
			}
			return CreateUserResponse{User: existing}, nil
		}
		return nil, apperr.Wrap(apperr.CodeUserProvisioningFailed, "create user", err)
	}

	return CreateUserResponse{User: user}, nil
}

func (w *Workers) userOrganizations(ctx context.Context, env *Envelope) (any, error) {
	var req UserOrganizationsRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	orgs, err := w.repo.GetUserOrganizations(ctx, req.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "list user organizations", err)
	}

	filtered := orgs[:0:0]
	for _, org := range orgs {
		if !req.IncludeInherited && org.Source == models.OrganizationSourceInherited {
			continue
		}
		if req.StatusFilter != "" && org.MembershipStatus != models.MembershipStatus(req.StatusFilter) {
			continue
		}
		filtered = append(filtered, org)
	}
	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return UserOrganizationsResponse{Organizations: filtered}, nil
}

func (w *Workers) userPermissions(ctx context.Context, env *Envelope) (any, error) {
	var req UserPermissionsRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	res, err := w.engine.Resolve(ctx, req.UserID, req.OrganizationID, repository.ResolveOptions{
		IncludeInherited: req.IncludeInherited,
		Pattern:          req.Pattern,
	})
	if err != nil {
		return nil, err
	}
	return UserPermissionsResponse{Permissions: res.Permissions, Roles: res.Roles}, nil
}

func (w *Workers) blacklistCheck(ctx context.Context, env *Envelope) (any, error) {
	var req BlacklistCheckRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	if w.cache != nil {
		if status, ok := w.cache.GetBlacklistStatus(ctx, req.JTI); ok {
			return BlacklistCheckResponse{Status: *status}, nil
		}
	}

	status, err := w.repo.IsTokenBlacklisted(ctx, req.JTI, req.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "check token blacklist", err)
	}
	if w.cache != nil {
		w.cache.SetBlacklistStatus(ctx, req.JTI, status, req.TokenExpiresAt)
	}
	return BlacklistCheckResponse{Status: *status}, nil
}

func (w *Workers) blacklistAdd(ctx context.Context, env *Envelope) (any, error) {
	var req BlacklistAddRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if req.Entry.JTI == "" {
		return nil, apperr.New(apperr.CodeTokenBlacklistFailed, "blacklist entry has no jti")
	}

	if err := w.repo.BlacklistToken(ctx, &req.Entry); err != nil {
		return nil, apperr.Wrap(apperr.CodeTokenBlacklistFailed, "blacklist token", err)
	}
	if w.cache != nil {
		w.cache.InvalidateBlacklist(ctx, req.Entry.JTI)
	}

	w.auditor.Security(ctx, models.EventTokenRevoked, models.ResultSuccess, req.Entry.UserID, map[string]any{
		"jti":    req.Entry.JTI,
		"reason": req.Entry.Reason,
	})
	return BlacklistAddResponse{Added: true}, nil
}

func (w *Workers) permissionValidate(ctx context.Context, env *Envelope) (any, error) {
	var req PermissionValidateRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	results, err := w.engine.CheckBulk(ctx, req.UserID, req.OrganizationID, req.Permissions)
	if err != nil {
		return nil, err
	}
	return PermissionValidateResponse{Results: results}, nil
}

// auditAuthentication consumes fire-and-forget audit events. There is no
// reply subject; the return value is discarded.
func (w *Workers) auditAuthentication(ctx context.Context, env *Envelope) (any, error) {
	var event AuthenticationEvent
	if err := env.Decode(&event); err != nil {
		return nil, err
	}

	w.auditor.Log(ctx, &models.AuditEvent{
		EventType:      event.EventType,
		Category:       models.CategoryAuthentication,
		UserID:         event.UserID,
		OrganizationID: event.OrganizationID,
		Result:         event.Result,
		Details:        event.Details,
		IPAddress:      optionalString(event.Client.IPAddress),
		UserAgent:      optionalString(event.Client.UserAgent),
		SessionID:      optionalString(event.Client.SessionID),
		RequestID:      optionalString(event.Client.RequestID),
		OccurredAt:     event.OccurredAt,
	})
	return struct{}{}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
