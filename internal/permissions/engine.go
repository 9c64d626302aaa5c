// Package permissions is the resolution engine: it computes a user's
// effective permission set for one organization and answers permission
// checks from that set, so a check can never disagree with the set a token
// was minted from.
package permissions

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/cache"
	"github.com/authmesh/authmesh/internal/metrics"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Engine resolves and checks permissions.
type Engine struct {
	repo    repository.Repository
	cache   *cache.Cache
	auditor *audit.Logger
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewEngine(repo repository.Repository, c *cache.Cache, auditor *audit.Logger, logger *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{repo: repo, cache: c, auditor: auditor, logger: logger, metrics: m}
}

// Resolution is a resolved permission set plus the roles that produced it.
type Resolution struct {
	Permissions []models.ResolvedPermission
	Roles       []models.RoleRef
}

// Resolve computes the effective permission set for a user scoped to one
// organization. Full resolutions (inherited included, no pattern) are served
// read-through from the cache.
func (e *Engine) Resolve(ctx context.Context, userID, orgID string, opts repository.ResolveOptions) (*Resolution, error) {
	cacheable := e.cache != nil && opts.IncludeInherited && opts.Pattern == ""

	var resolved []models.ResolvedPermission
	if cacheable {
		if cached, ok := e.cache.GetPermissions(ctx, userID, orgID); ok {
			resolved = cached
		}
	}

	if resolved == nil {
		start := time.Now()
		var err error
		resolved, err = e.repo.ResolvePermissions(ctx, userID, orgID, opts)
		if err != nil {
			if errors.Is(err, repository.ErrOrganizationNotFound) {
				return nil, apperr.Wrap(apperr.CodeOrganizationNotFoundInRbac, "organization not found", err)
			}
			return nil, apperr.Wrap(apperr.CodeQueryFailed, "resolve permissions", err)
		}
		if e.metrics != nil {
			e.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
		}
		if cacheable {
			e.cache.SetPermissions(ctx, userID, orgID, resolved)
		}
	}

	roles, err := e.rolesOf(ctx, userID, orgID, resolved)
	if err != nil {
		return nil, err
	}

	return &Resolution{Permissions: resolved, Roles: roles}, nil
}

// rolesOf collects the distinct roles contributing to a resolved set,
// ordered by priority then name.
func (e *Engine) rolesOf(ctx context.Context, userID, orgID string, resolved []models.ResolvedPermission) ([]models.RoleRef, error) {
	seen := make(map[string]bool)
	type prioritized struct {
		ref      models.RoleRef
		priority int
	}
	var refs []prioritized
	for _, p := range resolved {
		if seen[p.RoleID] {
			continue
		}
		seen[p.RoleID] = true
		refs = append(refs, prioritized{
			ref:      models.RoleRef{ID: p.RoleID, Name: p.RoleName, IsInheritable: p.IsInheritable},
			priority: p.Priority,
		})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].priority != refs[j].priority {
			return refs[i].priority > refs[j].priority
		}
		return refs[i].ref.Name < refs[j].ref.Name
	})

	out := make([]models.RoleRef, len(refs))
	for i, r := range refs {
		out[i] = r.ref
	}
	return out, nil
}

// Check answers one permission check against the resolved set.
func (e *Engine) Check(ctx context.Context, userID, orgID, permission string) (bool, error) {
	checks, err := e.CheckBulk(ctx, userID, orgID, []string{permission})
	if err != nil {
		return false, err
	}
	return checks[0].HasPermission, nil
}

// CheckBulk answers several permission checks from one resolution pass.
// Each call lands in the audit trail as a single permission_check event,
// regardless of how many permissions it carried.
func (e *Engine) CheckBulk(ctx context.Context, userID, orgID string, required []string) ([]models.PermissionCheck, error) {
	res, err := e.Resolve(ctx, userID, orgID, repository.ResolveOptions{IncludeInherited: true})
	if err != nil {
		return nil, err
	}

	allGranted := true
	checks := make([]models.PermissionCheck, 0, len(required))
	for _, req := range required {
		has := false
		for _, p := range res.Permissions {
			if models.PermissionMatches(p.Permission, req) {
				has = true
				break
			}
		}
		if !has {
			allGranted = false
		}
		if e.metrics != nil {
			outcome := "denied"
			if has {
				outcome = "granted"
			}
			e.metrics.PermissionChecks.WithLabelValues(outcome).Inc()
		}
		checks = append(checks, models.PermissionCheck{Permission: req, HasPermission: has})
	}

	if e.auditor != nil {
		result := models.ResultSuccess
		if !allGranted {
			result = models.ResultFailure
		}
		results := make(map[string]bool, len(checks))
		for _, c := range checks {
			results[c.Permission] = c.HasPermission
		}
		uid, oid := userID, orgID
		e.auditor.Authorization(ctx, models.EventPermissionCheck, result, &uid, &oid, map[string]any{
			"permissions": required,
			"results":     results,
		}, models.ClientContext{})
	}
	return checks, nil
}

// Invalidate drops cached resolutions for a user after a role mutation.
func (e *Engine) Invalidate(ctx context.Context, userID string) {
	if e.cache != nil {
		e.cache.InvalidateUserPermissions(ctx, userID)
	}
}

// OrderedStrings flattens a resolved set for embedding in a token, highest
// precedence first.
func OrderedStrings(resolved []models.ResolvedPermission) []string {
	ordered := make([]models.ResolvedPermission, len(resolved))
	copy(ordered, resolved)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := &ordered[i], &ordered[j]
		if a.Source != b.Source {
			return a.Source == models.SourceDirect
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.GrantedAt.Equal(b.GrantedAt) {
			return a.GrantedAt.Before(b.GrantedAt)
		}
		return a.Permission < b.Permission
	})

	out := make([]string, len(ordered))
	for i, p := range ordered {
		out[i] = p.Permission
	}
	return out
}

// CountInherited counts entries won by an ancestor grant.
func CountInherited(resolved []models.ResolvedPermission) int {
	n := 0
	for _, p := range resolved {
		if p.Source == models.SourceInherited {
			n++
		}
	}
	return n
}
