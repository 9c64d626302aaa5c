package audit

import (
	"context"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
)

// Reader serves audit queries for the admin API.
type Reader struct {
	repo repository.Repository
}

func NewReader(repo repository.Repository) *Reader {
	return &Reader{repo: repo}
}

// Query returns events matching the filter, newest first.
func (r *Reader) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	events, err := r.repo.QueryAuditEvents(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "query audit events", err)
	}
	return events, nil
}

// Summary aggregates security-relevant events over a window.
func (r *Reader) Summary(ctx context.Context, from, to time.Time) ([]models.SecuritySummaryRow, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	rows, err := r.repo.GetSecurityEventsSummary(ctx, from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "security events summary", err)
	}
	return rows, nil
}

// Findings runs the suspicious-activity queries on demand with the given
// window and thresholds.
func (r *Reader) Findings(ctx context.Context, window time.Duration, failThreshold, orgThreshold int) ([]models.SuspiciousActivity, error) {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if orgThreshold <= 0 {
		orgThreshold = 3
	}
	findings, err := r.repo.DetectSuspiciousActivity(ctx, window, failThreshold, orgThreshold)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "detect suspicious activity", err)
	}
	return findings, nil
}
