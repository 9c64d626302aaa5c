// Package audit writes the immutable audit trail and watches it for
// suspicious patterns.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/authmesh/authmesh/internal/metrics"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Logger writes audit events. Each entry is HMAC-signed over its stable
// fields before insert, so tampering in the store is detectable offline.
type Logger struct {
	repo       repository.Repository
	signingKey []byte
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

func NewLogger(repo repository.Repository, signingKey []byte, logger *logging.Logger, m *metrics.Metrics) *Logger {
	return &Logger{repo: repo, signingKey: signingKey, logger: logger, metrics: m}
}

// Log signs and inserts one event. Audit failures are logged and swallowed;
// the audit trail must never fail the operation it records.
func (l *Logger) Log(ctx context.Context, event *models.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Signature = l.Sign(event)

	if _, err := l.repo.InsertAuditEvent(ctx, event); err != nil {
		l.logger.ErrorContext(ctx, "failed to write audit event",
			"event_type", event.EventType,
			"category", event.Category,
			"error", err,
		)
		return
	}
	if l.metrics != nil {
		l.metrics.AuditEvents.WithLabelValues(string(event.Category), string(event.Result)).Inc()
	}
}

// Sign computes the HMAC-SHA256 of the event's stable fields.
func (l *Logger) Sign(event *models.AuditEvent) string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	payload := strings.Join([]string{
		event.EventType,
		string(event.Category),
		deref(event.UserID),
		deref(event.OrganizationID),
		deref(event.Action),
		string(event.Result),
		deref(event.IPAddress),
		event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, "\x1f")

	mac := hmac.New(sha256.New, l.signingKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes an event's signature and compares.
func (l *Logger) Verify(event *models.AuditEvent) bool {
	expected := l.Sign(event)
	return hmac.Equal([]byte(expected), []byte(event.Signature))
}

// Authentication records an authentication outcome.
func (l *Logger) Authentication(ctx context.Context, eventType string, result models.AuditResult, userID, orgID *string, details map[string]any, client models.ClientContext) {
	l.Log(ctx, &models.AuditEvent{
		EventType:      eventType,
		Category:       models.CategoryAuthentication,
		UserID:         userID,
		OrganizationID: orgID,
		Result:         result,
		Details:        details,
		IPAddress:      optional(client.IPAddress),
		UserAgent:      optional(client.UserAgent),
		SessionID:      optional(client.SessionID),
		RequestID:      optional(client.RequestID),
	})
}

// Authorization records a permission or access decision.
func (l *Logger) Authorization(ctx context.Context, eventType string, result models.AuditResult, userID, orgID *string, details map[string]any, client models.ClientContext) {
	l.Log(ctx, &models.AuditEvent{
		EventType:      eventType,
		Category:       models.CategoryAuthorization,
		UserID:         userID,
		OrganizationID: orgID,
		Result:         result,
		Details:        details,
		IPAddress:      optional(client.IPAddress),
		UserAgent:      optional(client.UserAgent),
		SessionID:      optional(client.SessionID),
		RequestID:      optional(client.RequestID),
	})
}

// Administration records a tree or RBAC mutation.
func (l *Logger) Administration(ctx context.Context, eventType string, result models.AuditResult, actorID, orgID *string, resourceType, resourceID string, details map[string]any) {
	l.Log(ctx, &models.AuditEvent{
		EventType:      eventType,
		Category:       models.CategoryAdministration,
		UserID:         actorID,
		OrganizationID: orgID,
		ResourceType:   optional(resourceType),
		ResourceID:     optional(resourceID),
		Result:         result,
		Details:        details,
	})
}

// Security records revocations and detector findings.
func (l *Logger) Security(ctx context.Context, eventType string, result models.AuditResult, userID *string, details map[string]any) {
	l.Log(ctx, &models.AuditEvent{
		EventType: eventType,
		Category:  models.CategorySecurity,
		UserID:    userID,
		Result:    result,
		Details:   details,
	})
}

// System records maintenance outcomes.
func (l *Logger) System(ctx context.Context, eventType string, result models.AuditResult, details map[string]any) {
	l.Log(ctx, &models.AuditEvent{
		EventType: eventType,
		Category:  models.CategorySystem,
		Result:    result,
		Details:   details,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
