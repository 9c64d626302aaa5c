package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/logging"
	"github.com/authmesh/authmesh/pkg/messaging"
	"github.com/authmesh/authmesh/pkg/middleware"
)

// BusConfig tunes the requester side of the fabric.
type BusConfig struct {
	// RequestTimeout bounds one request/reply round trip. Default 30s.
	RequestTimeout time.Duration

	// BreakerThreshold consecutive failures open a subject's breaker.
	// Default 5.
	BreakerThreshold int

	// BreakerWindow is the span the failure run must fall into. Default 60s.
	BreakerWindow time.Duration

	// BreakerCooldown is how long an open breaker rejects calls before
	// letting a probe through. Default 5m.
	BreakerCooldown time.Duration
}

func (c *BusConfig) withDefaults() BusConfig {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerWindow <= 0 {
		out.BreakerWindow = 60 * time.Second
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 5 * time.Minute
	}
	return out
}

// Bus is the requester side of the fabric: typed request/reply calls with a
// deadline and a per-subject circuit breaker. Infrastructure failures trip
// the breaker; application errors returned in the envelope do not.
type Bus struct {
	client messaging.Publisher
	cfg    BusConfig
	logger *logging.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewBus(client messaging.Publisher, cfg BusConfig, logger *logging.Logger) *Bus {
	return &Bus{
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*breaker),
	}
}

func (b *Bus) breakerFor(subject string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[subject]
	if !ok {
		br = newBreaker(b.cfg.BreakerThreshold, b.cfg.BreakerWindow, b.cfg.BreakerCooldown)
		b.breakers[subject] = br
	}
	return br
}

// request performs one envelope round trip on subject.
func (b *Bus) request(ctx context.Context, subject string, payload, out any) error {
	br := b.breakerFor(subject)
	if !br.Allow() {
		return apperr.Newf(apperr.CodeServiceUnavailable, "circuit open for %s", subject)
	}

	correlationID := middleware.GetRequestID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	env, err := NewEnvelope(correlationID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(apperr.CodeSerializationFailed, "marshal envelope", err)
	}

	timeout := b.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	resp, err := b.client.Request(ctx, subject, data, timeout)
	if err != nil {
		br.Failure()
		b.logger.ErrorContext(ctx, "fabric request failed",
			"subject", subject,
			"correlation_id", correlationID,
			"error", err,
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.CodeTimeout, "request deadline exceeded on "+subject, err)
		}
		return apperr.Wrap(apperr.CodeTimeout, "no reply on "+subject, err)
	}

	var reply Envelope
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		br.Failure()
		return apperr.Wrap(apperr.CodeSerializationFailed, "unmarshal reply envelope", err)
	}

	// A well-formed reply means the fabric is healthy, whatever the
	// application outcome.
	br.Success()

	if reply.Error != nil {
		return reply.Error
	}
	if out != nil {
		if err := reply.Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// ResolveUser looks up the internal user for an IdP subject.
func (b *Bus) ResolveUser(ctx context.Context, req ResolveUserRequest) (*models.User, error) {
	var resp ResolveUserResponse
	if err := b.request(ctx, SubjectUserResolve, req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// CreateUser provisions an internal user from an IdP profile.
func (b *Bus) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	var resp CreateUserResponse
	if err := b.request(ctx, SubjectUserCreate, req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// GetUserOrganizations lists the organizations a user can reach.
func (b *Bus) GetUserOrganizations(ctx context.Context, req UserOrganizationsRequest) ([]models.UserOrganization, error) {
	var resp UserOrganizationsResponse
	err := b.request(ctx, SubjectUserOrganizations, req, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Organizations, nil
}

// GetUserPermissions resolves the effective permission set.
func (b *Bus) GetUserPermissions(ctx context.Context, req UserPermissionsRequest) (*UserPermissionsResponse, error) {
	var resp UserPermissionsResponse
	if err := b.request(ctx, SubjectUserPermissions, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckBlacklist asks whether a token is revoked.
func (b *Bus) CheckBlacklist(ctx context.Context, req BlacklistCheckRequest) (*models.BlacklistStatus, error) {
	var resp BlacklistCheckResponse
	if err := b.request(ctx, SubjectBlacklistCheck, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// AddToBlacklist revokes a token.
func (b *Bus) AddToBlacklist(ctx context.Context, entry models.TokenBlacklistEntry) error {
	var resp BlacklistAddResponse
	return b.request(ctx, SubjectBlacklistAdd, BlacklistAddRequest{Entry: entry}, &resp)
}

// ValidatePermissions bulk-checks permissions.
func (b *Bus) ValidatePermissions(ctx context.Context, req PermissionValidateRequest) ([]models.PermissionCheck, error) {
	var resp PermissionValidateResponse
	if err := b.request(ctx, SubjectPermissionValidate, req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// PublishAuthenticationEvent fires an audit record at the workers without
// waiting. Failures are logged, never surfaced: auditing must not block a
// login.
func (b *Bus) PublishAuthenticationEvent(ctx context.Context, event AuthenticationEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	correlationID := middleware.GetRequestID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	env, err := NewEnvelope(correlationID, event)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to wrap authentication event", "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to marshal authentication event", "error", err)
		return
	}
	if err := b.client.Publish(ctx, SubjectAuditAuthentication, data); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish authentication event",
			"event_type", event.EventType,
			"error", err,
		)
	}
}
