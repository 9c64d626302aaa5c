package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/database"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

func (r *PostgresRepository) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) (string, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var ip *string
	if event.IPAddress != nil && *event.IPAddress != "" {
		ip = event.IPAddress
	}

	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT authz.log_audit_event($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::inet, $11, $12, $13, $14)`,
		event.EventType, event.Category, event.UserID, event.OrganizationID,
		event.ResourceType, event.ResourceID, event.Action, event.Result,
		event.Details, ip, event.UserAgent, event.SessionID, event.RequestID,
		event.Signature,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert audit event: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) QueryAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.From.IsZero() {
		conds = append(conds, "occurred_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "occurred_at < "+arg(filter.To))
	}
	if len(filter.Categories) > 0 {
		conds = append(conds, "event_category = ANY("+arg(filter.Categories)+")")
	}
	if len(filter.EventTypes) > 0 {
		conds = append(conds, "event_type = ANY("+arg(filter.EventTypes)+")")
	}
	if filter.UserID != nil {
		conds = append(conds, "user_id = "+arg(*filter.UserID))
	}
	if filter.OrganizationID != nil {
		conds = append(conds, "organization_id = "+arg(*filter.OrganizationID))
	}
	if filter.Result != nil {
		conds = append(conds, "result = "+arg(*filter.Result))
	}

	query := `
		SELECT id, event_type, event_category, user_id, organization_id,
		       resource_type, resource_id, action, result, details,
		       host(ip_address), user_agent, session_id, request_id,
		       occurred_at, signature
		FROM authz.audit_events
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.Category, &e.UserID, &e.OrganizationID,
			&e.ResourceType, &e.ResourceID, &e.Action, &e.Result, &e.Details,
			&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID,
			&e.OccurredAt, &e.Signature,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) GetSecurityEventsSummary(ctx context.Context, from, to time.Time) ([]models.SecuritySummaryRow, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT event_category, event_type, result, count, first_seen, last_seen
		   FROM authz.get_security_events_summary($1, $2)`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events summary: %w", err)
	}
	defer rows.Close()

	var summary []models.SecuritySummaryRow
	for rows.Next() {
		var row models.SecuritySummaryRow
		if err := rows.Scan(&row.Category, &row.EventType, &row.Result, &row.Count, &row.FirstSeen, &row.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

func (r *PostgresRepository) DetectSuspiciousActivity(ctx context.Context, window time.Duration, failThreshold, orgThreshold int) ([]models.SuspiciousActivity, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT activity_type, user_id, host(ip_address), event_count, first_event, last_event
		   FROM authz.detect_suspicious_activity($1, $2, $3)`,
		window, failThreshold, orgThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to detect suspicious activity: %w", err)
	}
	defer rows.Close()

	var findings []models.SuspiciousActivity
	for rows.Next() {
		var f models.SuspiciousActivity
		var ip *string
		if err := rows.Scan(&f.ActivityType, &f.UserID, &ip, &f.EventCount, &f.FirstEvent, &f.LastEvent); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		if ip != nil {
			f.IPAddress = *ip
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
