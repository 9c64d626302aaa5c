package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/cache"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
	"github.com/authmesh/authmesh/pkg/messaging"
	memtransport "github.com/authmesh/authmesh/pkg/messaging/memory"
	"github.com/authmesh/authmesh/pkg/middleware"
)

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

// fastConsumer keeps retries in the millisecond range so exhaustion tests
// finish quickly.
func fastConsumer(client *memtransport.Client) *Consumer {
	return NewConsumer(client, ConsumerConfig{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	}, testLogger())
}

func TestRequestReplyRoundTrip(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		var req ResolveUserRequest
		require.NoError(t, env.Decode(&req))
		return ResolveUserResponse{User: &models.User{
			ID:         "user-1",
			ExternalID: req.ExternalID,
		}}, nil
	})
	require.NoError(t, err)

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())

	user, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "idp|ada", user.ExternalID)
}

func TestRequestCarriesCorrelationID(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	var seen atomic.Value
	err := consumer.Handle(SubjectUserOrganizations, func(ctx context.Context, env *Envelope) (any, error) {
		seen.Store(middleware.GetRequestID(ctx))
		return UserOrganizationsResponse{}, nil
	})
	require.NoError(t, err)

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())
	ctx := middleware.WithRequestID(context.Background(), "corr-123")

	_, err = bus.GetUserOrganizations(ctx, UserOrganizationsRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "corr-123", seen.Load())
}

func TestApplicationErrorReturnsWithoutRetry(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	var attempts atomic.Int32
	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		attempts.Add(1)
		return nil, apperr.New(apperr.CodeUserNotFound, "no such subject")
	})
	require.NoError(t, err)

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())

	_, err = bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ghost"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUserNotFound, apperr.CodeOf(err))
	assert.Equal(t, int32(1), attempts.Load(), "business errors must not be retried")
}

func TestApplicationErrorDoesNotTripBreaker(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		return nil, apperr.New(apperr.CodeUserNotFound, "no such subject")
	})
	require.NoError(t, err)

	// A single infrastructure failure would open this breaker.
	bus := NewBus(client, BusConfig{
		RequestTimeout:   time.Second,
		BreakerThreshold: 1,
	}, testLogger())

	for i := 0; i < 5; i++ {
		_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ghost"})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeUserNotFound, apperr.CodeOf(err),
			"well-formed error replies must keep the circuit closed")
	}
}

func TestRetryableErrorExhaustsAndDeadLetters(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	var attempts atomic.Int32
	err := consumer.Handle(SubjectBlacklistAdd, func(ctx context.Context, env *Envelope) (any, error) {
		attempts.Add(1)
		return nil, apperr.New(apperr.CodeQueryFailed, "database unavailable")
	})
	require.NoError(t, err)

	dlqCh := make(chan DLQEntry, 1)
	sub, err := client.Subscribe(SubjectDLQ, func(ctx context.Context, msg *messaging.Message) error {
		var entry DLQEntry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			return err
		}
		select {
		case dlqCh <- entry:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())
	ctx := middleware.WithRequestID(context.Background(), "corr-dlq")

	err = bus.AddToBlacklist(ctx, models.TokenBlacklistEntry{JTI: "jti-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeQueryFailed, apperr.CodeOf(err))
	assert.Equal(t, int32(3), attempts.Load())

	select {
	case entry := <-dlqCh:
		assert.Equal(t, SubjectBlacklistAdd, entry.Subject)
		assert.Equal(t, "corr-dlq", entry.CorrelationID)
		assert.Equal(t, 3, entry.Attempts)
		assert.Contains(t, entry.Error, "database unavailable")
		assert.False(t, entry.FailedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no dead letter received")
	}
}

func TestRetryableErrorRecoversMidway(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	var attempts atomic.Int32
	err := consumer.Handle(SubjectBlacklistCheck, func(ctx context.Context, env *Envelope) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, apperr.New(apperr.CodeConnectionFailed, "transient")
		}
		return BlacklistCheckResponse{Status: models.BlacklistStatus{Blacklisted: true}}, nil
	})
	require.NoError(t, err)

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())

	status, err := bus.CheckBlacklist(context.Background(), BlacklistCheckRequest{JTI: "jti-1"})
	require.NoError(t, err)
	assert.True(t, status.Blacklisted)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMalformedEnvelopeGetsErrorReply(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		t.Error("handler must not run for malformed envelopes")
		return nil, nil
	})
	require.NoError(t, err)

	resp, err := client.Request(context.Background(), SubjectUserResolve, []byte("not json"), time.Second)
	require.NoError(t, err)

	var reply Envelope
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, apperr.CodeSerializationFailed, reply.Error.Code)
}

func TestNoRespondersFailsFast(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())

	_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}

func TestBreakerOpensAfterConsecutiveTransportFailures(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	bus := NewBus(client, BusConfig{
		RequestTimeout:   time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, testLogger())

	// No subscribers on the subject, so both calls fail at the transport.
	for i := 0; i < 2; i++ {
		_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
	}

	_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeServiceUnavailable, apperr.CodeOf(err))

	// Other subjects keep their own breakers.
	_, err = bus.GetUserOrganizations(context.Background(), UserOrganizationsRequest{UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	bus := NewBus(client, BusConfig{
		RequestTimeout:   time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  20 * time.Millisecond,
	}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
		require.Error(t, err)
	}
	_, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	assert.Equal(t, apperr.CodeServiceUnavailable, apperr.CodeOf(err))

	// After the cooldown a worker is available, so the probe succeeds and
	// closes the circuit.
	consumer := fastConsumer(client)
	defer consumer.Stop()
	err = consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		return ResolveUserResponse{User: &models.User{ID: "user-1"}}, nil
	})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	user, err := bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)

	user, err = bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
}

func TestRequestHonorsContextDeadline(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	defer consumer.Stop()

	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return ResolveUserResponse{}, nil
	})
	require.NoError(t, err)

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = bus.ResolveUser(ctx, ResolveUserRequest{ExternalID: "idp|ada"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestPublishAuthenticationEventIsFireAndForget(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	received := make(chan AuthenticationEvent, 1)
	sub, err := client.Subscribe(SubjectAuditAuthentication, func(ctx context.Context, msg *messaging.Message) error {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return err
		}
		var event AuthenticationEvent
		if err := env.Decode(&event); err != nil {
			return err
		}
		select {
		case received <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bus := NewBus(client, BusConfig{}, testLogger())

	userID := "user-1"
	bus.PublishAuthenticationEvent(context.Background(), AuthenticationEvent{
		EventType: "login_success",
		Result:    models.ResultSuccess,
		UserID:    &userID,
	})

	select {
	case event := <-received:
		assert.Equal(t, "login_success", event.EventType)
		assert.Equal(t, models.ResultSuccess, event.Result)
		assert.False(t, event.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no authentication event received")
	}

	// Publishing with no subscribers must not fail or block.
	require.NoError(t, sub.Unsubscribe())
	bus.PublishAuthenticationEvent(context.Background(), AuthenticationEvent{EventType: "login_failure"})
}

// newWorkerStack wires real workers over the in-process transport, backed by
// the in-memory repository and an optional cache.
func newWorkerStack(t *testing.T, c *cache.Cache) (*Bus, *repository.MemoryRepository) {
	t.Helper()

	client := memtransport.NewClient()
	t.Cleanup(func() { _ = client.Close() })
	consumer := fastConsumer(client)
	t.Cleanup(consumer.Stop)

	repo := repository.NewMemoryRepository()
	auditor := audit.NewLogger(repo, []byte("audit-signing-key-0123456789abcdef"), testLogger(), nil)
	engine := permissions.NewEngine(repo, nil, auditor, testLogger(), nil)
	workers := NewWorkers(repo, engine, c, auditor, testLogger())
	require.NoError(t, workers.Register(consumer))

	return NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger()), repo
}

func TestBlacklistCheckPopulatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rc, cache.Config{}, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })

	bus, repo := newWorkerStack(t, c)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	status, err := bus.CheckBlacklist(ctx, BlacklistCheckRequest{JTI: "jti-1", TokenExpiresAt: expiry})
	require.NoError(t, err)
	assert.False(t, status.Blacklisted)

	cached, ok := c.GetBlacklistStatus(ctx, "jti-1")
	require.True(t, ok, "repository answer lands in the cache")
	assert.False(t, cached.Blacklisted)

	// While the negative answer is cached, a revocation written straight to
	// the store stays invisible.
	require.NoError(t, repo.BlacklistToken(ctx, &models.TokenBlacklistEntry{
		JTI:       "jti-1",
		Reason:    models.RevocationReasonLogout,
		ExpiresAt: expiry,
	}))
	status, err = bus.CheckBlacklist(ctx, BlacklistCheckRequest{JTI: "jti-1", TokenExpiresAt: expiry})
	require.NoError(t, err)
	assert.False(t, status.Blacklisted)

	// Revoking through the fabric invalidates the entry, so the next check
	// sees the store.
	require.NoError(t, bus.AddToBlacklist(ctx, models.TokenBlacklistEntry{
		JTI:       "jti-1",
		Reason:    models.RevocationReasonLogout,
		ExpiresAt: expiry,
	}))
	status, err = bus.CheckBlacklist(ctx, BlacklistCheckRequest{JTI: "jti-1", TokenExpiresAt: expiry})
	require.NoError(t, err)
	assert.True(t, status.Blacklisted)
}

func TestUserOrganizationsFilters(t *testing.T) {
	bus, repo := newWorkerStack(t, nil)
	ctx := context.Background()

	acme, err := repo.CreateOrganization(ctx, &models.CreateOrganizationRequest{Name: "acme"}, nil)
	require.NoError(t, err)
	eng, err := repo.CreateOrganization(ctx, &models.CreateOrganizationRequest{Name: "eng", ParentID: &acme.ID}, nil)
	require.NoError(t, err)

	user := &models.User{
		ExternalID: "idp|ada",
		Email:      "ada@example.com",
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Status:     models.UserActive,
		Source:     "test",
	}
	require.NoError(t, repo.CreateUser(ctx, user))
	require.NoError(t, repo.AddMembership(ctx, &models.OrganizationMembership{
		UserID:         user.ID,
		OrganizationID: acme.ID,
		IsPrimary:      true,
		Status:         models.MembershipActive,
	}))

	role, err := repo.CreateRole(ctx, &models.CreateRoleRequest{
		OrganizationID: acme.ID,
		Name:           "org-admin",
		IsInheritable:  true,
		IsAssignable:   true,
		Priority:       500,
	})
	require.NoError(t, err)
	_, err = repo.AssignRole(ctx, &models.AssignRoleRequest{
		UserID:         user.ID,
		RoleID:         role.ID,
		OrganizationID: acme.ID,
	}, nil)
	require.NoError(t, err)

	// Default: direct memberships only.
	orgs, err := bus.GetUserOrganizations(ctx, UserOrganizationsRequest{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, acme.ID, orgs[0].ID)
	assert.Equal(t, models.OrganizationSourceMember, orgs[0].Source)

	orgs, err = bus.GetUserOrganizations(ctx, UserOrganizationsRequest{UserID: user.ID, IncludeInherited: true})
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, eng.ID, orgs[1].ID)
	assert.Equal(t, models.OrganizationSourceInherited, orgs[1].Source)

	// The status filter only matches real membership rows.
	orgs, err = bus.GetUserOrganizations(ctx, UserOrganizationsRequest{
		UserID:           user.ID,
		IncludeInherited: true,
		StatusFilter:     string(models.MembershipActive),
	})
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, acme.ID, orgs[0].ID)

	orgs, err = bus.GetUserOrganizations(ctx, UserOrganizationsRequest{UserID: user.ID, IncludeInherited: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, orgs, 1)
}

func TestConsumerStopUnsubscribes(t *testing.T) {
	client := memtransport.NewClient()
	defer client.Close()

	consumer := fastConsumer(client)
	err := consumer.Handle(SubjectUserResolve, func(ctx context.Context, env *Envelope) (any, error) {
		return ResolveUserResponse{}, nil
	})
	require.NoError(t, err)

	consumer.Stop()

	bus := NewBus(client, BusConfig{RequestTimeout: time.Second}, testLogger())
	_, err = bus.ResolveUser(context.Background(), ResolveUserRequest{ExternalID: "idp|ada"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}
