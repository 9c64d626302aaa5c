package audit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

func newAuditLogger(t *testing.T) (*Logger, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return NewLogger(repo, []byte("audit-signing-key-0123456789abcdef"), logging.New(slog.LevelError, "text"), nil), repo
}

func strptr(s string) *string { return &s }

func TestLogSignsAndInserts(t *testing.T) {
	l, repo := newAuditLogger(t)
	ctx := context.Background()

	l.Authentication(ctx, models.EventLogin, models.ResultSuccess,
		strptr("user-1"), strptr("org-1"), map[string]any{"permission_count": 3},
		models.ClientContext{IPAddress: "203.0.113.10", UserAgent: "test"})

	events, err := repo.QueryAuditEvents(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	stored := events[0]
	assert.Equal(t, models.EventLogin, stored.EventType)
	assert.Equal(t, models.CategoryAuthentication, stored.Category)
	assert.NotEmpty(t, stored.ID)
	assert.NotEmpty(t, stored.Signature)
	assert.False(t, stored.OccurredAt.IsZero())
	assert.True(t, l.Verify(&stored))
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, repo := newAuditLogger(t)
	ctx := context.Background()

	l.Security(ctx, models.EventTokenRevoked, models.ResultSuccess, strptr("user-1"), nil)

	events, err := repo.QueryAuditEvents(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	event := events[0]
	require.True(t, l.Verify(&event))

	tampered := event
	tampered.UserID = strptr("user-2")
	assert.False(t, l.Verify(&tampered))

	tampered = event
	tampered.Result = models.ResultFailure
	assert.False(t, l.Verify(&tampered))

	tampered = event
	tampered.OccurredAt = event.OccurredAt.Add(time.Second)
	assert.False(t, l.Verify(&tampered))
}

func TestVerifyFailsUnderDifferentKey(t *testing.T) {
	l, repo := newAuditLogger(t)
	other := NewLogger(repo, []byte("a-completely-different-signing-key"), logging.New(slog.LevelError, "text"), nil)
	ctx := context.Background()

	l.System(ctx, models.EventTokenCleanup, models.ResultSuccess, map[string]any{"removed": 4})

	events, err := repo.QueryAuditEvents(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	event := events[0]

	assert.True(t, l.Verify(&event))
	assert.False(t, other.Verify(&event))
}

func TestCategoryHelpers(t *testing.T) {
	l, repo := newAuditLogger(t)
	ctx := context.Background()

	l.Authentication(ctx, models.EventLogin, models.ResultSuccess, strptr("u"), nil, nil, models.ClientContext{})
	l.Authorization(ctx, models.EventPermissionCheck, models.ResultFailure, strptr("u"), nil, nil, models.ClientContext{})
	l.Administration(ctx, models.EventOrgCreated, models.ResultSuccess, strptr("u"), strptr("o"), "organization", "o", nil)
	l.Security(ctx, models.EventEmergencyRevoke, models.ResultSuccess, strptr("u"), nil)
	l.System(ctx, models.EventRoleExpirySweep, models.ResultSuccess, nil)

	for category, eventType := range map[models.AuditCategory]string{
		models.CategoryAuthentication: models.EventLogin,
		models.CategoryAuthorization:  models.EventPermissionCheck,
		models.CategoryAdministration: models.EventOrgCreated,
		models.CategorySecurity:       models.EventEmergencyRevoke,
		models.CategorySystem:         models.EventRoleExpirySweep,
	} {
		events, err := repo.QueryAuditEvents(ctx, models.AuditFilter{Categories: []models.AuditCategory{category}})
		require.NoError(t, err)
		require.Len(t, events, 1, "category %s", category)
		assert.Equal(t, eventType, events[0].EventType)
	}

	admin, err := repo.QueryAuditEvents(ctx, models.AuditFilter{Categories: []models.AuditCategory{models.CategoryAdministration}})
	require.NoError(t, err)
	require.NotNil(t, admin[0].ResourceType)
	assert.Equal(t, "organization", *admin[0].ResourceType)
}

func seedLoginFailures(t *testing.T, l *Logger, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		l.Authentication(context.Background(), models.EventLoginFailed, models.ResultFailure,
			nil, nil, nil, models.ClientContext{IPAddress: ip})
	}
}

func TestDetectorFlagsBruteForce(t *testing.T) {
	l, repo := newAuditLogger(t)
	detector := NewDetector(repo, l, DetectorConfig{
		Window:        time.Minute,
		FailThreshold: 5,
		OrgThreshold:  3,
	}, logging.New(slog.LevelError, "text"), nil)

	seedLoginFailures(t, l, "198.51.100.7", 6)

	findings, err := detector.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.ActivityBruteForce, findings[0].ActivityType)
	assert.Equal(t, "198.51.100.7", findings[0].IPAddress)
	assert.Equal(t, 6, findings[0].EventCount)

	// The finding itself lands in the trail as a SECURITY event.
	events, err := repo.QueryAuditEvents(context.Background(), models.AuditFilter{
		Categories: []models.AuditCategory{models.CategorySecurity},
		EventTypes: []string{"suspicious_activity"},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActivityBruteForce, events[0].Details["activity_type"])
}

func TestDetectorFiresExactlyAtFailThreshold(t *testing.T) {
	l, repo := newAuditLogger(t)
	detector := NewDetector(repo, l, DetectorConfig{
		Window:        time.Minute,
		FailThreshold: 5,
		OrgThreshold:  3,
	}, logging.New(slog.LevelError, "text"), nil)

	seedLoginFailures(t, l, "198.51.100.7", 5)

	findings, err := detector.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.ActivityBruteForce, findings[0].ActivityType)
	assert.Equal(t, 5, findings[0].EventCount)
}

func TestDetectorQuietBelowThreshold(t *testing.T) {
	l, repo := newAuditLogger(t)
	detector := NewDetector(repo, l, DetectorConfig{
		Window:        time.Minute,
		FailThreshold: 5,
		OrgThreshold:  3,
	}, logging.New(slog.LevelError, "text"), nil)

	seedLoginFailures(t, l, "198.51.100.7", 4)

	findings, err := detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectorGroupsFailuresByUserAndAddress(t *testing.T) {
	l, repo := newAuditLogger(t)
	detector := NewDetector(repo, l, DetectorConfig{
		Window:        time.Minute,
		FailThreshold: 5,
		OrgThreshold:  3,
	}, logging.New(slog.LevelError, "text"), nil)
	ctx := context.Background()

	// Three users failing from the same address stay under the threshold
	// individually even though the address total is 9.
	for _, user := range []string{"u-1", "u-2", "u-3"} {
		for i := 0; i < 3; i++ {
			l.Authentication(ctx, models.EventLoginFailed, models.ResultFailure,
				strptr(user), nil, nil, models.ClientContext{IPAddress: "198.51.100.7"})
		}
	}

	findings, err := detector.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// Failed authorization events count toward the same bucket as failed
	// authentications for one user.
	for i := 0; i < 2; i++ {
		l.Authorization(ctx, models.EventPermissionCheck, models.ResultFailure,
			strptr("u-1"), nil, nil, models.ClientContext{IPAddress: "198.51.100.7"})
	}

	findings, err = detector.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.ActivityBruteForce, findings[0].ActivityType)
	require.NotNil(t, findings[0].UserID)
	assert.Equal(t, "u-1", *findings[0].UserID)
	assert.Equal(t, 5, findings[0].EventCount)
}

func TestDetectorFlagsUnusualAccessPattern(t *testing.T) {
	l, repo := newAuditLogger(t)
	detector := NewDetector(repo, l, DetectorConfig{
		Window:        time.Minute,
		FailThreshold: 5,
		OrgThreshold:  3,
	}, logging.New(slog.LevelError, "text"), nil)
	ctx := context.Background()

	seedPermissionChecks := func(user, ip string, orgs []string) {
		for _, org := range orgs {
			l.Authorization(ctx, models.EventPermissionCheck, models.ResultSuccess,
				strptr(user), strptr(org), nil, models.ClientContext{IPAddress: ip})
		}
	}

	// Exactly at the threshold stays quiet; fanning out wider flags.
	seedPermissionChecks("u-1", "203.0.113.8", []string{"org-a", "org-b", "org-c"})
	findings, err := detector.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)

	seedPermissionChecks("u-1", "203.0.113.8", []string{"org-d"})
	findings, err = detector.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.ActivityUnusualAccess, findings[0].ActivityType)
	require.NotNil(t, findings[0].UserID)
	assert.Equal(t, "u-1", *findings[0].UserID)
	assert.Equal(t, "203.0.113.8", findings[0].IPAddress)
	assert.Equal(t, 4, findings[0].EventCount)
}

func TestReaderQueryAndFindings(t *testing.T) {
	l, repo := newAuditLogger(t)
	reader := NewReader(repo)
	ctx := context.Background()

	seedLoginFailures(t, l, "198.51.100.7", 6)
	l.Authentication(ctx, models.EventLogin, models.ResultSuccess, strptr("u"), nil, nil, models.ClientContext{IPAddress: "203.0.113.1"})

	result := models.ResultFailure
	events, err := reader.Query(ctx, models.AuditFilter{Result: &result})
	require.NoError(t, err)
	assert.Len(t, events, 6)

	findings, err := reader.Findings(ctx, time.Minute, 5, 3)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.ActivityBruteForce, findings[0].ActivityType)

	rows, err := reader.Summary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}
