package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePathSegment(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":    "acme_corp",
		"engineering":  "engineering",
		"R&D (Berlin)": "r_d__berlin_",
		"Team-42":      "team_42",
		"  padded  ":   "__padded__",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizePathSegment(in), "input %q", in)
	}
}

func TestValidOrganizationName(t *testing.T) {
	assert.True(t, ValidOrganizationName("Acme Corp"))
	assert.True(t, ValidOrganizationName("42"))
	assert.False(t, ValidOrganizationName("a"))
	assert.False(t, ValidOrganizationName("  "))
	assert.False(t, ValidOrganizationName("!!"))
}

func TestAncestorPaths(t *testing.T) {
	assert.Nil(t, AncestorPaths("admin"))
	assert.Equal(t, []string{"admin"}, AncestorPaths("admin.acme"))
	assert.Equal(t, []string{"admin", "admin.acme"}, AncestorPaths("admin.acme.eng"))
}

func TestIsPathDescendant(t *testing.T) {
	assert.True(t, IsPathDescendant("admin.acme.eng", "admin.acme"))
	assert.True(t, IsPathDescendant("admin.acme", "admin"))
	assert.False(t, IsPathDescendant("admin.acme", "admin.acme"), "a path is not its own descendant")
	assert.False(t, IsPathDescendant("admin.acmecorp", "admin.acme"), "prefix match alone is not ancestry")
	assert.False(t, IsPathDescendant("admin", "admin.acme"))
}

func TestOrganizationDepthAndSegment(t *testing.T) {
	org := Organization{Path: "admin.acme.eng"}
	assert.Equal(t, 3, org.Depth())
	assert.Equal(t, "eng", org.PathSegment())

	root := Organization{ID: AdminOrganizationID, Path: AdminOrganizationPath}
	assert.True(t, root.IsAdmin())
	assert.Equal(t, 1, root.Depth())
	assert.Equal(t, "admin", root.PathSegment())
}

func TestSplitPermission(t *testing.T) {
	resource, action, ok := SplitPermission("repos:write")
	assert.True(t, ok)
	assert.Equal(t, "repos", resource)
	assert.Equal(t, "write", action)

	_, _, ok = SplitPermission("repos")
	assert.False(t, ok)
	_, _, ok = SplitPermission(":write")
	assert.False(t, ok)
	_, _, ok = SplitPermission("repos:")
	assert.False(t, ok)

	// Only the first colon splits.
	resource, action, ok = SplitPermission("repos:write:all")
	assert.True(t, ok)
	assert.Equal(t, "repos", resource)
	assert.Equal(t, "write:all", action)
}

func TestPermissionMatches(t *testing.T) {
	assert.True(t, PermissionMatches("repos:write", "repos:write"))
	assert.True(t, PermissionMatches("*:*", "repos:write"))
	assert.True(t, PermissionMatches("*", "repos:write"))
	assert.True(t, PermissionMatches("repos:*", "repos:delete"))
	assert.True(t, PermissionMatches("*:read", "repos:read"))

	assert.False(t, PermissionMatches("repos:write", "repos:read"))
	assert.False(t, PermissionMatches("repos:*", "users:read"))
	assert.False(t, PermissionMatches("repos", "repos:read"), "malformed grants match nothing")
	// Wildcards are honored on the granted side only.
	assert.False(t, PermissionMatches("repos:write", "repos:*"))
}

func TestMatchPermissionPattern(t *testing.T) {
	assert.True(t, MatchPermissionPattern("", "repos:write"))
	assert.True(t, MatchPermissionPattern("repos:*", "repos:write"))
	assert.True(t, MatchPermissionPattern("*:read", "users:read"))
	assert.False(t, MatchPermissionPattern("repos:*", "users:read"))
}

func TestResolvedPermissionWins(t *testing.T) {
	now := time.Now()
	direct := &ResolvedPermission{Source: SourceDirect, Priority: 10, GrantedAt: now}
	inherited := &ResolvedPermission{Source: SourceInherited, Priority: 900, GrantedAt: now}

	assert.True(t, direct.Wins(inherited), "direct beats inherited regardless of priority")
	assert.False(t, inherited.Wins(direct))

	low := &ResolvedPermission{Source: SourceDirect, Priority: 10, GrantedAt: now}
	high := &ResolvedPermission{Source: SourceDirect, Priority: 500, GrantedAt: now}
	assert.True(t, high.Wins(low))

	early := &ResolvedPermission{Source: SourceDirect, Priority: 10, GrantedAt: now.Add(-time.Hour)}
	late := &ResolvedPermission{Source: SourceDirect, Priority: 10, GrantedAt: now}
	assert.True(t, early.Wins(late), "earlier grant breaks the final tie")
}

func TestUserRoleLifecycle(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	active := &UserRole{IsActive: true}
	assert.True(t, active.Active(now))

	expiring := &UserRole{IsActive: true, ExpiresAt: &future}
	assert.True(t, expiring.Active(now))
	assert.False(t, expiring.Active(future), "expiry instant itself is expired")

	expired := &UserRole{IsActive: true, ExpiresAt: &past}
	assert.False(t, expired.Active(now))
	assert.True(t, expired.IsExpired(now))

	revoked := &UserRole{IsActive: false}
	assert.False(t, revoked.Active(now))
}

func TestEmergencyJTI(t *testing.T) {
	assert.Equal(t, "EMERGENCY_user-1", EmergencyJTI("user-1"))
}

func TestBlacklistEntryActiveAt(t *testing.T) {
	now := time.Now()
	entry := &TokenBlacklistEntry{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, entry.ActiveAt(now))
	assert.False(t, entry.ActiveAt(now.Add(2*time.Hour)))
	assert.False(t, entry.ActiveAt(entry.ExpiresAt), "expiry instant is no longer in force")
}
