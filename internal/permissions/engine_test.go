package permissions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

type engineFixture struct {
	engine *Engine
	repo   *repository.MemoryRepository
	ctx    context.Context
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := logging.New(slog.LevelError, "text")
	repo := repository.NewMemoryRepository()
	auditor := audit.NewLogger(repo, []byte("audit-signing-key-0123456789abcdef"), logger, nil)
	return &engineFixture{
		engine: NewEngine(repo, nil, auditor, logger, nil),
		repo:   repo,
		ctx:    context.Background(),
	}
}

func (f *engineFixture) user(t *testing.T, externalID string) *models.User {
	t.Helper()
	u := &models.User{ExternalID: externalID, Email: externalID + "@example.com", Status: models.UserActive, Source: "test"}
	require.NoError(t, f.repo.CreateUser(f.ctx, u))
	return u
}

func (f *engineFixture) org(t *testing.T, name string, parentID *string) *models.Organization {
	t.Helper()
	org, err := f.repo.CreateOrganization(f.ctx, &models.CreateOrganizationRequest{Name: name, ParentID: parentID}, nil)
	require.NoError(t, err)
	return org
}

func (f *engineFixture) grant(t *testing.T, userID, orgID, roleName string, inheritable bool, priority int, perms ...string) *models.Role {
	t.Helper()
	role, err := f.repo.CreateRole(f.ctx, &models.CreateRoleRequest{
		OrganizationID: orgID,
		Name:           roleName,
		IsInheritable:  inheritable,
		IsAssignable:   true,
		Priority:       priority,
	})
	require.NoError(t, err)
	for _, p := range perms {
		require.NoError(t, f.repo.AddPermissionToRole(f.ctx, role.ID, p, nil))
	}
	_, err = f.repo.AssignRole(f.ctx, &models.AssignRoleRequest{
		UserID:         userID,
		RoleID:         role.ID,
		OrganizationID: orgID,
	}, nil)
	require.NoError(t, err)
	return role
}

func TestResolveReturnsPermissionsAndRoles(t *testing.T) {
	f := newEngineFixture(t)
	u := f.user(t, "u1")
	acme := f.org(t, "acme", nil)
	f.grant(t, u.ID, acme.ID, "admin", true, 500, "users:read", "roles:assign")
	f.grant(t, u.ID, acme.ID, "member", false, 100, "organizations:read")

	res, err := f.engine.Resolve(f.ctx, u.ID, acme.ID, repository.ResolveOptions{IncludeInherited: true})
	require.NoError(t, err)
	assert.Len(t, res.Permissions, 3)

	// Roles come back ordered by priority.
	require.Len(t, res.Roles, 2)
	assert.Equal(t, "admin", res.Roles[0].Name)
	assert.Equal(t, "member", res.Roles[1].Name)
}

func TestResolveUnknownOrganization(t *testing.T) {
	f := newEngineFixture(t)
	u := f.user(t, "u1")

	_, err := f.engine.Resolve(f.ctx, u.ID, "nope", repository.ResolveOptions{IncludeInherited: true})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOrganizationNotFoundInRbac, apperr.CodeOf(err))
}

func TestCheckBulkAgreesWithResolvedSet(t *testing.T) {
	f := newEngineFixture(t)
	u := f.user(t, "u1")
	acme := f.org(t, "acme", nil)
	f.grant(t, u.ID, acme.ID, "dev", false, 100, "repos:*", "users:read")

	checks, err := f.engine.CheckBulk(f.ctx, u.ID, acme.ID, []string{"repos:write", "users:read", "audit:read"})
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.True(t, checks[0].HasPermission, "repos:* covers repos:write")
	assert.True(t, checks[1].HasPermission)
	assert.False(t, checks[2].HasPermission)

	ok, err := f.engine.Check(f.ctx, u.ID, acme.ID, "repos:delete")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckBulkAuditsOneEventPerCall(t *testing.T) {
	f := newEngineFixture(t)
	u := f.user(t, "u1")
	acme := f.org(t, "acme", nil)
	f.grant(t, u.ID, acme.ID, "dev", false, 100, "repos:read")

	_, err := f.engine.CheckBulk(f.ctx, u.ID, acme.ID, []string{"repos:read", "audit:read"})
	require.NoError(t, err)

	events, err := f.repo.QueryAuditEvents(f.ctx, models.AuditFilter{
		Categories: []models.AuditCategory{models.CategoryAuthorization},
		EventTypes: []string{models.EventPermissionCheck},
	})
	require.NoError(t, err)
	require.Len(t, events, 1, "one bulk call, one audit event")
	assert.Equal(t, models.ResultFailure, events[0].Result, "a partial denial records failure")
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, u.ID, *events[0].UserID)

	ok, err := f.engine.Check(f.ctx, u.ID, acme.ID, "repos:read")
	require.NoError(t, err)
	assert.True(t, ok)

	events, err = f.repo.QueryAuditEvents(f.ctx, models.AuditFilter{
		Categories: []models.AuditCategory{models.CategoryAuthorization},
		EventTypes: []string{models.EventPermissionCheck},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ResultSuccess, events[0].Result, "a fully granted check records success")
}

func TestCheckIncludesInheritedGrants(t *testing.T) {
	f := newEngineFixture(t)
	u := f.user(t, "u1")
	acme := f.org(t, "acme", nil)
	eng := f.org(t, "eng", &acme.ID)
	f.grant(t, u.ID, acme.ID, "admin", true, 500, "users:read")

	ok, err := f.engine.Check(f.ctx, u.ID, eng.ID, "users:read")
	require.NoError(t, err)
	assert.True(t, ok, "checks always see inherited grants")
}

func TestOrderedStringsPutsStrongestFirst(t *testing.T) {
	now := time.Now()
	resolved := []models.ResolvedPermission{
		{Permission: "c-inherited-high", Source: models.SourceInherited, Priority: 900, GrantedAt: now},
		{Permission: "a-direct-low", Source: models.SourceDirect, Priority: 10, GrantedAt: now},
		{Permission: "b-direct-high", Source: models.SourceDirect, Priority: 500, GrantedAt: now},
		{Permission: "d-inherited-low", Source: models.SourceInherited, Priority: 100, GrantedAt: now},
	}

	ordered := OrderedStrings(resolved)
	assert.Equal(t, []string{"b-direct-high", "a-direct-low", "c-inherited-high", "d-inherited-low"}, ordered)
}

func TestOrderedStringsBreaksTiesDeterministically(t *testing.T) {
	now := time.Now()
	resolved := []models.ResolvedPermission{
		{Permission: "zzz", Source: models.SourceDirect, Priority: 10, GrantedAt: now},
		{Permission: "aaa", Source: models.SourceDirect, Priority: 10, GrantedAt: now},
		{Permission: "older", Source: models.SourceDirect, Priority: 10, GrantedAt: now.Add(-time.Hour)},
	}

	ordered := OrderedStrings(resolved)
	assert.Equal(t, []string{"older", "aaa", "zzz"}, ordered)
}

func TestCountInherited(t *testing.T) {
	resolved := []models.ResolvedPermission{
		{Source: models.SourceDirect},
		{Source: models.SourceInherited},
		{Source: models.SourceInherited},
	}
	assert.Equal(t, 2, CountInherited(resolved))
	assert.Equal(t, 0, CountInherited(nil))
}
