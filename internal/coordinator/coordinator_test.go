package coordinator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/fabric"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
	memtransport "github.com/authmesh/authmesh/pkg/messaging/memory"
	"github.com/authmesh/authmesh/pkg/tokens"
)

// fakeIdP maps authorization codes to profiles, standing in for the real
// identity provider.
type fakeIdP struct {
	profiles map[string]*models.IdPProfile
}

func (f *fakeIdP) Exchange(_ context.Context, code string) (*models.IdPProfile, error) {
	p, ok := f.profiles[code]
	if !ok {
		return nil, apperr.New(apperr.CodeAuthorizationCodeInvalid, "unknown authorization code")
	}
	return p, nil
}

func (f *fakeIdP) AuthorizeURL(state string) string {
	return "https://idp.test/oauth/authorize?state=" + state
}

// stack wires a coordinator to real workers over the in-process transport,
// backed by the in-memory repository.
type stack struct {
	repo  *repository.MemoryRepository
	idp   *fakeIdP
	coord *Coordinator
	ctx   context.Context
}

func newStack(t *testing.T) *stack {
	t.Helper()

	logger := logging.New(slog.LevelError, "text")
	repo := repository.NewMemoryRepository()
	auditor := audit.NewLogger(repo, []byte("audit-signing-key-0123456789abcdef"), logger, nil)
	engine := permissions.NewEngine(repo, nil, auditor, logger, nil)

	client := memtransport.NewClient()
	t.Cleanup(func() { _ = client.Close() })

	consumer := fabric.NewConsumer(client, fabric.ConsumerConfig{
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
	}, logger)
	t.Cleanup(consumer.Stop)

	workers := fabric.NewWorkers(repo, engine, nil, auditor, logger)
	require.NoError(t, workers.Register(consumer))

	bus := fabric.NewBus(client, fabric.BusConfig{RequestTimeout: time.Second}, logger)

	manager, err := tokens.NewManager(tokens.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "authmesh-test",
		Audience:   "test-clients",
	})
	require.NoError(t, err)

	idp := &fakeIdP{profiles: make(map[string]*models.IdPProfile)}
	return &stack{
		repo:  repo,
		idp:   idp,
		coord: New(idp, bus, manager, logger, nil),
		ctx:   context.Background(),
	}
}

func testClient() models.ClientContext {
	return models.ClientContext{
		IPAddress: "203.0.113.10",
		UserAgent: "coordinator-test",
		SessionID: "sess-1",
	}
}

// member creates a user with an active membership and a role grant in org.
func (s *stack) member(t *testing.T, externalID, orgID string, primary bool, perms ...string) *models.User {
	t.Helper()

	user := &models.User{
		ExternalID: externalID,
		Email:      externalID + "@example.com",
		FirstName:  "Test",
		LastName:   "User",
		Status:     models.UserActive,
		Source:     "test",
	}
	require.NoError(t, s.repo.CreateUser(s.ctx, user))
	require.NoError(t, s.repo.AddMembership(s.ctx, &models.OrganizationMembership{
		UserID:         user.ID,
		OrganizationID: orgID,
		IsPrimary:      primary,
		Status:         models.MembershipActive,
	}))

	if len(perms) > 0 {
		role, err := s.repo.CreateRole(s.ctx, &models.CreateRoleRequest{
			OrganizationID: orgID,
			Name:           "member-" + externalID,
			IsInheritable:  true,
			IsAssignable:   true,
			Priority:       100,
		})
		require.NoError(t, err)
		for _, p := range perms {
			require.NoError(t, s.repo.AddPermissionToRole(s.ctx, role.ID, p, nil))
		}
		_, err = s.repo.AssignRole(s.ctx, &models.AssignRoleRequest{
			UserID:         user.ID,
			RoleID:         role.ID,
			OrganizationID: orgID,
		}, nil)
		require.NoError(t, err)
	}
	return user
}

func (s *stack) org(t *testing.T, name string, parentID *string) *models.Organization {
	t.Helper()
	org, err := s.repo.CreateOrganization(s.ctx, &models.CreateOrganizationRequest{
		Name:     name,
		ParentID: parentID,
	}, nil)
	require.NoError(t, err)
	return org
}

func (s *stack) code(externalID string) string {
	code := "code-" + externalID
	s.idp.profiles[code] = &models.IdPProfile{
		ExternalID: externalID,
		Email:      externalID + "@example.com",
		FirstName:  "Test",
		LastName:   "User",
	}
	return code
}

func TestLoginMintsScopedToken(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	user := s.member(t, "idp|ada", acme.ID, true, "repos:read", "repos:write")

	result, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.False(t, result.IsNewUser)
	assert.Equal(t, acme.ID, result.Organization.ID)
	assert.ElementsMatch(t, []string{"repos:read", "repos:write"}, result.Permissions)

	claims, err := s.coord.Authorize(s.ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.User.InternalID)
	assert.Equal(t, "org:"+acme.ID, claims.Scope)
	assert.True(t, claims.HasPermission("repos:read"))
	assert.False(t, claims.HasPermission("audit:read"))

	// The login is audited through the fabric.
	events, err := s.repo.QueryAuditEvents(s.ctx, models.AuditFilter{
		Categories: []models.AuditCategory{models.CategoryAuthentication},
		EventTypes: []string{models.EventLogin},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, user.ID, *events[0].UserID)
}

func TestLoginRejectedWhenPermissionSetExceedsCap(t *testing.T) {
	logger := logging.New(slog.LevelError, "text")
	repo := repository.NewMemoryRepository()
	auditor := audit.NewLogger(repo, []byte("audit-signing-key-0123456789abcdef"), logger, nil)
	engine := permissions.NewEngine(repo, nil, auditor, logger, nil)

	client := memtransport.NewClient()
	t.Cleanup(func() { _ = client.Close() })
	consumer := fabric.NewConsumer(client, fabric.ConsumerConfig{
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
	}, logger)
	t.Cleanup(consumer.Stop)
	workers := fabric.NewWorkers(repo, engine, nil, auditor, logger)
	require.NoError(t, workers.Register(consumer))
	bus := fabric.NewBus(client, fabric.BusConfig{RequestTimeout: time.Second}, logger)

	manager, err := tokens.NewManager(tokens.Config{
		SigningKey:     []byte("0123456789abcdef0123456789abcdef"),
		Issuer:         "authmesh-test",
		Audience:       "test-clients",
		MaxPermissions: 1,
	})
	require.NoError(t, err)

	idp := &fakeIdP{profiles: make(map[string]*models.IdPProfile)}
	s := &stack{
		repo:  repo,
		idp:   idp,
		coord: New(idp, bus, manager, logger, nil),
		ctx:   context.Background(),
	}

	acme := s.org(t, "acme", nil)
	s.member(t, "idp|ada", acme.ID, true, "repos:read", "repos:write")

	_, err = s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInsufficientPermissionsCapacity, apperr.CodeOf(err))
}

func TestLoginRejectsUnknownAuthorizationCode(t *testing.T) {
	s := newStack(t)

	_, err := s.coord.Login(s.ctx, "bogus", testClient())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthorizationCodeInvalid, apperr.CodeOf(err))

	events, err := s.repo.QueryAuditEvents(s.ctx, models.AuditFilter{
		EventTypes: []string{models.EventLoginFailed},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLoginProvisionsFirstTimeUser(t *testing.T) {
	s := newStack(t)

	// The profile is valid but no internal user exists yet. Provisioning
	// succeeds; minting then fails because the fresh user belongs nowhere.
	_, err := s.coord.Login(s.ctx, s.code("idp|new"), testClient())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNoOrganizationMembership, apperr.CodeOf(err))

	user, err := s.repo.GetUserByExternalID(s.ctx, "idp|new")
	require.NoError(t, err)
	assert.Equal(t, "idp|new@example.com", user.Email)
}

func TestLoginProvisionedUserSucceedsOnceMember(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)

	code := s.code("idp|new")
	_, err := s.coord.Login(s.ctx, code, testClient())
	require.Error(t, err)

	user, err := s.repo.GetUserByExternalID(s.ctx, "idp|new")
	require.NoError(t, err)
	require.NoError(t, s.repo.AddMembership(s.ctx, &models.OrganizationMembership{
		UserID:         user.ID,
		OrganizationID: acme.ID,
		IsPrimary:      true,
		Status:         models.MembershipActive,
	}))

	result, err := s.coord.Login(s.ctx, code, testClient())
	require.NoError(t, err)
	assert.Equal(t, acme.ID, result.Organization.ID)
	assert.Empty(t, result.Permissions)
}

func TestLoginRefreshesStaleProfile(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	user := s.member(t, "idp|ada", acme.ID, true, "repos:read")

	code := "code-renamed"
	s.idp.profiles[code] = &models.IdPProfile{
		ExternalID: "idp|ada",
		Email:      "ada.lovelace@example.com",
		FirstName:  "Ada",
		LastName:   "Lovelace",
	}

	_, err := s.coord.Login(s.ctx, code, testClient())
	require.NoError(t, err)

	stored, err := s.repo.GetUserByID(s.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada.lovelace@example.com", stored.Email)
	assert.Equal(t, "Ada", stored.FirstName)
}

func TestLoginScopesToPrimaryMembership(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	globex := s.org(t, "globex", nil)

	user := s.member(t, "idp|ada", acme.ID, false, "repos:read")
	require.NoError(t, s.repo.AddMembership(s.ctx, &models.OrganizationMembership{
		UserID:         user.ID,
		OrganizationID: globex.ID,
		IsPrimary:      true,
		Status:         models.MembershipActive,
	}))

	result, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)
	assert.Equal(t, globex.ID, result.Organization.ID)
}

func TestAuthorizeRejectsRevokedToken(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	s.member(t, "idp|ada", acme.ID, true, "repos:read")

	result, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)

	_, err = s.coord.Authorize(s.ctx, result.Token)
	require.NoError(t, err)

	require.NoError(t, s.coord.Revoke(s.ctx, result.Token, "", testClient()))

	_, err = s.coord.Authorize(s.ctx, result.Token)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTokenBlacklisted, apperr.CodeOf(err))
}

func TestAuthorizeRejectsGarbageToken(t *testing.T) {
	s := newStack(t)

	_, err := s.coord.Authorize(s.ctx, "not-a-token")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidToken, apperr.CodeOf(err))
}

func TestRefreshRetiresOldToken(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	s.member(t, "idp|ada", acme.ID, true, "repos:read")

	login, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)

	refreshed, err := s.coord.Refresh(s.ctx, login.Token, testClient())
	require.NoError(t, err)
	assert.NotEqual(t, login.Token, refreshed.Token)
	assert.Equal(t, acme.ID, refreshed.Organization.ID)

	_, err = s.coord.Authorize(s.ctx, refreshed.Token)
	require.NoError(t, err)

	_, err = s.coord.Authorize(s.ctx, login.Token)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTokenBlacklisted, apperr.CodeOf(err))
}

func TestRefreshPicksUpPermissionChanges(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	user := s.member(t, "idp|ada", acme.ID, true, "repos:read")

	login, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)
	assert.Equal(t, []string{"repos:read"}, login.Permissions)

	role, err := s.repo.CreateRole(s.ctx, &models.CreateRoleRequest{
		OrganizationID: acme.ID,
		Name:           "auditor",
		IsInheritable:  false,
		IsAssignable:   true,
		Priority:       200,
	})
	require.NoError(t, err)
	require.NoError(t, s.repo.AddPermissionToRole(s.ctx, role.ID, "audit:read", nil))
	_, err = s.repo.AssignRole(s.ctx, &models.AssignRoleRequest{
		UserID:         user.ID,
		RoleID:         role.ID,
		OrganizationID: acme.ID,
	}, nil)
	require.NoError(t, err)

	refreshed, err := s.coord.Refresh(s.ctx, login.Token, testClient())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"repos:read", "audit:read"}, refreshed.Permissions)
}

func TestSwitchOrganizationKeepsOldTokenValid(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	globex := s.org(t, "globex", nil)

	user := s.member(t, "idp|ada", acme.ID, true, "repos:read")
	require.NoError(t, s.repo.AddMembership(s.ctx, &models.OrganizationMembership{
		UserID:         user.ID,
		OrganizationID: globex.ID,
		Status:         models.MembershipActive,
	}))

	login, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)
	assert.Equal(t, acme.ID, login.Organization.ID)

	switched, err := s.coord.SwitchOrganization(s.ctx, login.Token, globex.ID, testClient())
	require.NoError(t, err)
	assert.Equal(t, globex.ID, switched.Organization.ID)
	assert.Empty(t, switched.Permissions, "grants in acme do not follow into a sibling scope")

	// Switching scope never revokes the presented token.
	claims, err := s.coord.Authorize(s.ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, acme.ID, claims.Organization.ID)
}

func TestSwitchOrganizationDeniedOutsideReach(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	globex := s.org(t, "globex", nil)
	s.member(t, "idp|ada", acme.ID, true, "repos:read")

	login, err := s.coord.Login(s.ctx, s.code("idp|ada"), testClient())
	require.NoError(t, err)

	_, err = s.coord.SwitchOrganization(s.ctx, login.Token, globex.ID, testClient())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOrganizationAccessDenied, apperr.CodeOf(err))
}

func TestEmergencyRevokeKillsEveryToken(t *testing.T) {
	s := newStack(t)
	acme := s.org(t, "acme", nil)
	user := s.member(t, "idp|ada", acme.ID, true, "repos:read")

	code := s.code("idp|ada")
	first, err := s.coord.Login(s.ctx, code, testClient())
	require.NoError(t, err)
	second, err := s.coord.Login(s.ctx, code, testClient())
	require.NoError(t, err)

	admin := "admin-1"
	require.NoError(t, s.coord.EmergencyRevoke(s.ctx, user.ID, &admin, testClient()))

	for _, token := range []string{first.Token, second.Token} {
		_, err := s.coord.Authorize(s.ctx, token)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeTokenBlacklisted, apperr.CodeOf(err))
	}

	// Other users are untouched.
	globex := s.org(t, "globex", nil)
	s.member(t, "idp|bob", globex.ID, true, "repos:read")
	other, err := s.coord.Login(s.ctx, s.code("idp|bob"), testClient())
	require.NoError(t, err)
	_, err = s.coord.Authorize(s.ctx, other.Token)
	require.NoError(t, err)
}

func TestCheckPermissionsAnswersFromClaims(t *testing.T) {
	s := newStack(t)

	claims := &tokens.Claims{Permissions: []string{"repos:*", "users:read"}}

	resp := s.coord.CheckPermissions(claims, []string{"repos:write", "users:read", "audit:read"})
	assert.True(t, resp.Results["repos:write"])
	assert.True(t, resp.Results["users:read"])
	assert.False(t, resp.Results["audit:read"])
	assert.True(t, resp.HasAny)
	assert.False(t, resp.HasAll)

	resp = s.coord.CheckPermissions(claims, []string{"repos:read"})
	assert.True(t, resp.HasAll)
}
