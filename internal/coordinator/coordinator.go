// Package coordinator orchestrates the token lifecycle: IdP exchange, user
// resolution, organization selection, permission resolution, minting,
// validation against the blacklist, refresh, and revocation. All RBAC data
// access goes through the message fabric.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/fabric"
	"github.com/authmesh/authmesh/internal/metrics"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/orgs"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/pkg/logging"
	"github.com/authmesh/authmesh/pkg/tokens"
)

// IdPExchanger is the identity-provider surface the coordinator needs.
type IdPExchanger interface {
	Exchange(ctx context.Context, code string) (*models.IdPProfile, error)
	AuthorizeURL(state string) string
}

// Coordinator drives every token operation.
type Coordinator struct {
	idp     IdPExchanger
	bus     *fabric.Bus
	tokens  *tokens.Manager
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func New(idp IdPExchanger, bus *fabric.Bus, manager *tokens.Manager, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{idp: idp, bus: bus, tokens: manager, logger: logger, metrics: m}
}

func (c *Coordinator) recordAuth(result string) {
	if c.metrics != nil {
		c.metrics.AuthAttempts.WithLabelValues(result).Inc()
	}
}

// AuthorizeURL builds the IdP authorization URL a client is redirected to
// at the start of the login flow.
func (c *Coordinator) AuthorizeURL(state string) string {
	return c.idp.AuthorizeURL(state)
}

// Login runs the full authentication flow: exchange the authorization code,
// resolve (or provision) the internal user, pick the login organization,
// resolve permissions, and mint a scoped token. The audit record is
// published fire-and-forget.
func (c *Coordinator) Login(ctx context.Context, code string, client models.ClientContext) (*models.AuthResult, error) {
	profile, err := c.idp.Exchange(ctx, code)
	if err != nil {
		c.recordAuth("failure")
		c.publishAuthEvent(ctx, models.EventLoginFailed, models.ResultFailure, nil, nil, map[string]any{
			"stage": "idp_exchange",
			"code":  apperr.CodeOf(err),
		}, client)
		return nil, err
	}

	user, isNew, err := c.resolveOrProvision(ctx, profile)
	if err != nil {
		c.recordAuth("failure")
		c.publishAuthEvent(ctx, models.EventLoginFailed, models.ResultFailure, nil, nil, map[string]any{
			"stage":       "user_resolution",
			"external_id": profile.ExternalID,
			"code":        apperr.CodeOf(err),
		}, client)
		return nil, err
	}

	result, err := c.mintForUser(ctx, user, "", true, "login", client)
	if err != nil {
		c.recordAuth("failure")
		uid := user.ID
		c.publishAuthEvent(ctx, models.EventLoginFailed, models.ResultFailure, &uid, nil, map[string]any{
			"stage": "token_minting",
			"code":  apperr.CodeOf(err),
		}, client)
		return nil, err
	}
	result.IsNewUser = isNew

	c.recordAuth("success")
	eventType := models.EventLogin
	if isNew {
		eventType = models.EventFirstLogin
	}
	uid, oid := user.ID, result.Organization.ID
	c.publishAuthEvent(ctx, eventType, models.ResultSuccess, &uid, &oid, map[string]any{
		"permission_count": len(result.Permissions),
	}, client)

	return result, nil
}

func (c *Coordinator) resolveOrProvision(ctx context.Context, profile *models.IdPProfile) (*models.User, bool, error) {
	user, err := c.bus.ResolveUser(ctx, fabric.ResolveUserRequest{
		ExternalID: profile.ExternalID,
		Profile:    profile,
	})
	if err == nil {
		return user, false, nil
	}
	if apperr.CodeOf(err) != apperr.CodeUserNotFound {
		return nil, false, err
	}

	// First login: provision from the IdP profile.
	user, err = c.bus.CreateUser(ctx, fabric.CreateUserRequest{Profile: *profile})
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// mintForUser resolves the scope organization and permissions and mints a
// token. An empty orgID applies the login selection rule.
func (c *Coordinator) mintForUser(ctx context.Context, user *models.User, orgID string, includeInherited bool, source string, client models.ClientContext) (*models.AuthResult, error) {
	userOrgs, err := c.bus.GetUserOrganizations(ctx, fabric.UserOrganizationsRequest{
		UserID:           user.ID,
		IncludeInherited: true,
	})
	if err != nil {
		return nil, err
	}

	var scope *models.UserOrganization
	if orgID == "" {
		scope, err = orgs.SelectLoginOrganization(userOrgs)
		if err != nil {
			return nil, err
		}
	} else {
		for i := range userOrgs {
			if userOrgs[i].ID == orgID {
				scope = &userOrgs[i]
				break
			}
		}
		if scope == nil {
			return nil, apperr.New(apperr.CodeOrganizationAccessDenied, "user cannot reach organization "+orgID)
		}
	}

	perms, err := c.bus.GetUserPermissions(ctx, fabric.UserPermissionsRequest{
		UserID:           user.ID,
		OrganizationID:   scope.ID,
		IncludeInherited: includeInherited,
	})
	if err != nil {
		return nil, err
	}

	ordered := permissions.OrderedStrings(perms.Permissions)
	inherited := permissions.CountInherited(perms.Permissions)

	token, claims, err := c.tokens.Mint(tokens.MintInput{
		User: tokens.UserClaims{
			InternalID: user.ID,
			Email:      user.Email,
			Name:       user.FullName(),
			FirstName:  user.FirstName,
			LastName:   user.LastName,
			ExternalID: user.ExternalID,
		},
		Organization: tokens.OrgClaims{
			ID:   scope.ID,
			Name: scope.Name,
			Path: scope.Path,
		},
		Permissions:       ordered,
		Roles:             perms.Roles,
		IncludesInherited: includeInherited,
		InheritedCount:    inherited,
		Source:            source,
		IP:                client.IPAddress,
		UserAgent:         client.UserAgent,
		SessionID:         client.SessionID,
	})
	if err != nil {
		if errors.Is(err, tokens.ErrTooManyPermissions) {
			return nil, apperr.Wrap(apperr.CodeInsufficientPermissionsCapacity,
				"resolved permission set exceeds token capacity", err)
		}
		return nil, apperr.Wrap(apperr.CodeSigningFailed, "mint token", err)
	}
	if c.metrics != nil {
		c.metrics.TokensMinted.Inc()
	}

	orgCopy := scope.Organization
	return &models.AuthResult{
		Token:        token,
		ExpiresAt:    claims.ExpiresAt.Time,
		User:         user,
		Organization: &orgCopy,
		Permissions:  claims.Permissions,
		Roles:        claims.Roles,
	}, nil
}

// Authorize validates a presented token: signature and expiry first, then
// the blacklist, which also catches blanket emergency revocations.
func (c *Coordinator) Authorize(ctx context.Context, token string) (*tokens.Claims, error) {
	claims, err := c.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, tokens.ErrExpiredToken) {
			c.recordValidation("expired")
			return nil, apperr.Wrap(apperr.CodeTokenExpired, "token expired", err)
		}
		c.recordValidation("invalid")
		return nil, apperr.Wrap(apperr.CodeInvalidToken, "token validation failed", err)
	}

	userID := claims.User.InternalID
	status, err := c.bus.CheckBlacklist(ctx, fabric.BlacklistCheckRequest{
		JTI:            claims.ID,
		UserID:         &userID,
		TokenExpiresAt: claims.ExpiresAt.Time,
	})
	if err != nil {
		return nil, err
	}
	if status.Blacklisted {
		c.recordValidation("blacklisted")
		return nil, apperr.Newf(apperr.CodeTokenBlacklisted, "token revoked: %s", status.Reason)
	}

	c.recordValidation("valid")
	return claims, nil
}

func (c *Coordinator) recordValidation(outcome string) {
	if c.metrics != nil {
		c.metrics.TokenValidations.WithLabelValues(outcome).Inc()
	}
}

// Refresh exchanges a live token for a fresh one with re-resolved
// permissions. The new token is minted before the old jti is blacklisted;
// the brief overlap is accepted so a refresh can never strand a user
// tokenless.
func (c *Coordinator) Refresh(ctx context.Context, token string, client models.ClientContext) (*models.AuthResult, error) {
	claims, err := c.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := c.bus.ResolveUser(ctx, fabric.ResolveUserRequest{ExternalID: claims.User.ExternalID})
	if err != nil {
		return nil, err
	}

	result, err := c.mintForUser(ctx, user, claims.Organization.ID, claims.IncludesInherited, "refresh", client)
	if err != nil {
		return nil, err
	}

	uid, oid := user.ID, claims.Organization.ID
	if err := c.bus.AddToBlacklist(ctx, models.TokenBlacklistEntry{
		JTI:            claims.ID,
		UserID:         &uid,
		OrganizationID: &oid,
		RevokedBy:      &uid,
		Reason:         models.RevocationReasonRefresh,
		ExpiresAt:      claims.ExpiresAt.Time,
	}); err != nil {
		// The new token is already out; the old one dies at its natural
		// expiry even if this retire fails.
		c.logger.ErrorContext(ctx, "failed to retire refreshed token",
			"jti", claims.ID,
			"error", err,
		)
	}
	c.recordRevocation(models.RevocationReasonRefresh)

	c.publishAuthEvent(ctx, models.EventTokenRefresh, models.ResultSuccess, &uid, &oid, map[string]any{
		"old_jti": claims.ID,
	}, client)

	return result, nil
}

// SwitchOrganization mints a token scoped to another organization the user
// can reach. The presented token stays valid; scope switching is not
// revocation.
func (c *Coordinator) SwitchOrganization(ctx context.Context, token, orgID string, client models.ClientContext) (*models.AuthResult, error) {
	claims, err := c.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := c.bus.ResolveUser(ctx, fabric.ResolveUserRequest{ExternalID: claims.User.ExternalID})
	if err != nil {
		return nil, err
	}

	return c.mintForUser(ctx, user, orgID, claims.IncludesInherited, "org_switch", client)
}

// Revoke blacklists a presented token. The jti is extracted without
// signature verification so even a token minted under a rotated key can be
// revoked; the blacklist entry is harmless if the token never validates.
func (c *Coordinator) Revoke(ctx context.Context, token, reason string, client models.ClientContext) error {
	if reason == "" {
		reason = models.RevocationReasonLogout
	}

	jti, err := tokens.ExtractJTI(token)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidToken, "cannot extract token id", err)
	}

	var userID, orgID *string
	expiry := time.Now().Add(c.tokens.TTL())
	if claims, vErr := c.tokens.Validate(token); vErr == nil {
		uid, oid := claims.User.InternalID, claims.Organization.ID
		userID, orgID = &uid, &oid
		expiry = claims.ExpiresAt.Time
	}

	if err := c.bus.AddToBlacklist(ctx, models.TokenBlacklistEntry{
		JTI:            jti,
		UserID:         userID,
		OrganizationID: orgID,
		RevokedBy:      userID,
		Reason:         reason,
		ExpiresAt:      expiry,
	}); err != nil {
		return err
	}
	c.recordRevocation(reason)

	c.publishAuthEvent(ctx, models.EventTokenRevoked, models.ResultSuccess, userID, orgID, map[string]any{
		"jti":    jti,
		"reason": reason,
	}, client)
	return nil
}

// EmergencyRevoke invalidates every outstanding token of a user at once via
// the blanket blacklist row. Individual jtis need not be known.
func (c *Coordinator) EmergencyRevoke(ctx context.Context, userID string, revokedBy *string, client models.ClientContext) error {
	entry := models.TokenBlacklistEntry{
		JTI:       models.EmergencyJTI(userID),
		UserID:    &userID,
		RevokedBy: revokedBy,
		Reason:    models.RevocationReasonEmergency,
		ExpiresAt: time.Now().Add(c.tokens.TTL()),
	}
	if err := c.bus.AddToBlacklist(ctx, entry); err != nil {
		return err
	}
	c.recordRevocation(models.RevocationReasonEmergency)

	c.publishAuthEvent(ctx, models.EventEmergencyRevoke, models.ResultSuccess, &userID, nil, map[string]any{
		"revoked_by": revokedBy,
	}, client)
	return nil
}

func (c *Coordinator) recordRevocation(reason string) {
	if c.metrics != nil {
		c.metrics.TokensRevoked.WithLabelValues(reason).Inc()
	}
}

// CheckPermissions answers permission checks from the token's embedded
// resolved set. Holders never re-run resolution; the token is the decision.
func (c *Coordinator) CheckPermissions(claims *tokens.Claims, required []string) *models.CheckPermissionsResponse {
	resp := &models.CheckPermissionsResponse{
		Results: make(map[string]bool, len(required)),
		HasAll:  true,
	}
	for _, perm := range required {
		has := claims.HasPermission(perm)
		resp.Results[perm] = has
		if has {
			resp.HasAny = true
		} else {
			resp.HasAll = false
		}
	}
	return resp
}

func (c *Coordinator) publishAuthEvent(ctx context.Context, eventType string, result models.AuditResult, userID, orgID *string, details map[string]any, client models.ClientContext) {
	c.bus.PublishAuthenticationEvent(ctx, fabric.AuthenticationEvent{
		EventType:      eventType,
		Result:         result,
		UserID:         userID,
		OrganizationID: orgID,
		Details:        details,
		Client:         client,
	})
}
