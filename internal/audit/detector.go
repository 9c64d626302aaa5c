package audit

import (
	"context"
	"time"

	"github.com/authmesh/authmesh/internal/metrics"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// DetectorConfig tunes the suspicious-activity scan.
type DetectorConfig struct {
	// Window is how far back each scan looks. Default 5m.
	Window time.Duration

	// FailThreshold: this many failed authentication or authorization
	// events from one (user, address) pair flags BRUTE_FORCE_ATTEMPT.
	// Default 5.
	FailThreshold int

	// OrgThreshold: permission checks from one (user, address) pair across
	// more distinct organizations than this flags UNUSUAL_ACCESS_PATTERN.
	// Default 3.
	OrgThreshold int
}

func (c *DetectorConfig) withDefaults() DetectorConfig {
	out := *c
	if out.Window <= 0 {
		out.Window = 5 * time.Minute
	}
	if out.FailThreshold <= 0 {
		out.FailThreshold = 5
	}
	if out.OrgThreshold <= 0 {
		out.OrgThreshold = 3
	}
	return out
}

// Detector periodically scans recent authentication events for known attack
// shapes and writes findings back to the audit trail as SECURITY events.
type Detector struct {
	repo    repository.Repository
	auditor *Logger
	cfg     DetectorConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewDetector(repo repository.Repository, auditor *Logger, cfg DetectorConfig, logger *logging.Logger, m *metrics.Metrics) *Detector {
	return &Detector{repo: repo, auditor: auditor, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

// Scan runs one detection pass and returns its findings.
func (d *Detector) Scan(ctx context.Context) ([]models.SuspiciousActivity, error) {
	findings, err := d.repo.DetectSuspiciousActivity(ctx, d.cfg.Window, d.cfg.FailThreshold, d.cfg.OrgThreshold)
	if err != nil {
		return nil, err
	}

	for _, f := range findings {
		d.logger.WarnContext(ctx, "suspicious activity detected",
			"activity_type", f.ActivityType,
			"ip_address", f.IPAddress,
			"event_count", f.EventCount,
		)
		if d.metrics != nil {
			d.metrics.SuspiciousFinding.WithLabelValues(f.ActivityType).Inc()
		}
		d.auditor.Security(ctx, "suspicious_activity", models.ResultFailure, f.UserID, map[string]any{
			"activity_type": f.ActivityType,
			"ip_address":    f.IPAddress,
			"event_count":   f.EventCount,
			"first_event":   f.FirstEvent,
			"last_event":    f.LastEvent,
		})
	}
	return findings, nil
}

// Run scans on the given interval until the context ends.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.ErrorContext(ctx, "suspicious activity scan failed", "error", err)
			}
		}
	}
}
