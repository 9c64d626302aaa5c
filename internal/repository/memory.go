package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authmesh/authmesh/internal/models"
)

// MemoryRepository is an in-process implementation of Repository. It applies
// the same tree and precedence rules as the stored functions, making it the
// substrate for unit tests and the development mode that runs without
// Postgres.
type MemoryRepository struct {
	mu sync.RWMutex

	users         map[string]*models.User  // by id
	usersByExtID  map[string]string        // external_id -> id
	organizations map[string]*models.Organization
	memberships   []*models.OrganizationMembership
	roles         map[string]*models.Role
	rolePerms     map[string][]models.RolePermission // role id -> grants
	permissions   map[string]*models.Permission      // by permission string
	userRoles     []*models.UserRole
	blacklist     map[string]*models.TokenBlacklistEntry
	auditEvents   []models.AuditEvent

	now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		users:         make(map[string]*models.User),
		usersByExtID:  make(map[string]string),
		organizations: make(map[string]*models.Organization),
		roles:         make(map[string]*models.Role),
		rolePerms:     make(map[string][]models.RolePermission),
		permissions:   make(map[string]*models.Permission),
		blacklist:     make(map[string]*models.TokenBlacklistEntry),
		now:           time.Now,
	}

	// Every deployment carries the admin root.
	r.organizations[models.AdminOrganizationID] = &models.Organization{
		ID:        models.AdminOrganizationID,
		Name:      "admin",
		Path:      models.AdminOrganizationPath,
		IsActive:  true,
		CreatedAt: r.now(),
		UpdatedAt: r.now(),
	}

	return r
}

// SetClock overrides the repository clock. Test hook.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }
func (r *MemoryRepository) Close()                     {}

// =============================================================================
// USERS
// =============================================================================

func (r *MemoryRepository) CreateUser(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.usersByExtID[user.ExternalID]; exists {
		return ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = r.now()
	user.UpdatedAt = user.CreatedAt

	clone := *user
	r.users[user.ID] = &clone
	r.usersByExtID[user.ExternalID] = user.ID
	return nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *MemoryRepository) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.usersByExtID[externalID]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *r.users[id]
	return &clone, nil
}

func (r *MemoryRepository) UpdateUser(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	existing.Email = user.Email
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.ProfilePictureURL = user.ProfilePictureURL
	existing.Status = user.Status
	existing.UpdatedAt = r.now()
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (r *MemoryRepository) CreateOrganization(_ context.Context, req *models.CreateOrganizationRequest, createdBy *string) (*models.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !models.ValidOrganizationName(req.Name) {
		return nil, fmt.Errorf("invalid organization name %q", req.Name)
	}

	parentID := models.AdminOrganizationID
	if req.ParentID != nil {
		parentID = *req.ParentID
	}
	parent, ok := r.organizations[parentID]
	if !ok || !parent.IsActive {
		return nil, ErrOrganizationNotFound
	}

	path := parent.Path + models.PathSeparator + models.SanitizePathSegment(req.Name)
	for _, org := range r.organizations {
		if org.Path == path {
			return nil, ErrOrganizationExists
		}
	}

	org := &models.Organization{
		ID:          uuid.NewString(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		ParentID:    &parentID,
		Path:        path,
		Metadata:    req.Metadata,
		IsActive:    true,
		CreatedAt:   r.now(),
		UpdatedAt:   r.now(),
		CreatedBy:   createdBy,
		UpdatedBy:   createdBy,
	}
	r.organizations[org.ID] = org

	clone := *org
	return &clone, nil
}

func (r *MemoryRepository) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	org, ok := r.organizations[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	clone := *org
	return &clone, nil
}

func (r *MemoryRepository) GetOrganizationByPath(_ context.Context, path string) (*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, org := range r.organizations {
		if org.Path == path {
			clone := *org
			return &clone, nil
		}
	}
	return nil, ErrOrganizationNotFound
}

func (r *MemoryRepository) MoveOrganization(_ context.Context, orgID, newParentID string, movedBy *string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if orgID == models.AdminOrganizationID {
		return 0, fmt.Errorf("%w: the admin root cannot be moved", ErrInvalidMove)
	}
	if orgID == newParentID {
		return 0, fmt.Errorf("%w: an organization cannot be its own parent", ErrInvalidMove)
	}

	org, ok := r.organizations[orgID]
	if !ok {
		return 0, ErrOrganizationNotFound
	}
	// Moving to the current parent is a no-op, not a rewrite.
	if org.ParentID != nil && *org.ParentID == newParentID {
		return 0, nil
	}
	parent, ok := r.organizations[newParentID]
	if !ok || !parent.IsActive {
		return 0, ErrOrganizationNotFound
	}
	if parent.Path == org.Path || models.IsPathDescendant(parent.Path, org.Path) {
		return 0, fmt.Errorf("%w: cannot move under own descendant", ErrInvalidMove)
	}

	oldPath := org.Path
	newPath := parent.Path + models.PathSeparator + org.PathSegment()
	for _, other := range r.organizations {
		if other.ID != orgID && other.Path == newPath {
			return 0, fmt.Errorf("%w: path %s already exists", ErrInvalidMove, newPath)
		}
	}

	moved := 0
	for _, node := range r.organizations {
		switch {
		case node.ID == orgID:
			node.Path = newPath
			node.ParentID = &newParentID
			node.UpdatedAt = r.now()
			node.UpdatedBy = movedBy
			moved++
		case models.IsPathDescendant(node.Path, oldPath):
			node.Path = newPath + strings.TrimPrefix(node.Path, oldPath)
			node.UpdatedAt = r.now()
			moved++
		}
	}
	return moved, nil
}

func (r *MemoryRepository) DeactivateOrganization(_ context.Context, orgID string, updatedBy *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if orgID == models.AdminOrganizationID {
		return ErrOrganizationNotFound
	}
	org, ok := r.organizations[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	org.IsActive = false
	org.UpdatedAt = r.now()
	org.UpdatedBy = updatedBy
	return nil
}

// activeMembershipOrgs returns the paths of organizations the user is an
// active member of.
func (r *MemoryRepository) activeMembershipOrgs(userID string) map[string]*models.OrganizationMembership {
	out := make(map[string]*models.OrganizationMembership)
	for _, m := range r.memberships {
		if m.UserID == userID && m.IsActive() {
			out[m.OrganizationID] = m
		}
	}
	return out
}

// inheritableGrantPathsLocked returns the paths of active organizations
// where the user holds an active, non-expired inheritable role. Everything
// at or below one of these paths is reachable.
func (r *MemoryRepository) inheritableGrantPathsLocked(userID string) []string {
	now := r.now()
	var paths []string
	for _, ur := range r.userRoles {
		if !ur.Active(now) || ur.UserID != userID {
			continue
		}
		role, ok := r.roles[ur.RoleID]
		if !ok || !role.IsActive || !role.IsInheritable {
			continue
		}
		org, ok := r.organizations[ur.OrganizationID]
		if !ok || !org.IsActive {
			continue
		}
		paths = append(paths, org.Path)
	}
	return paths
}

func (r *MemoryRepository) GetUserOrganizations(_ context.Context, userID string) ([]models.UserOrganization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member := r.activeMembershipOrgs(userID)
	grantPaths := r.inheritableGrantPathsLocked(userID)

	var orgs []models.UserOrganization
	for _, org := range r.organizations {
		if !org.IsActive {
			continue
		}
		_, isMember := member[org.ID]
		reachable := isMember
		if !reachable {
			for _, p := range grantPaths {
				if org.Path == p || models.IsPathDescendant(org.Path, p) {
					reachable = true
					break
				}
			}
		}
		if !reachable {
			continue
		}

		uo := models.UserOrganization{Organization: *org, Source: models.OrganizationSourceInherited}
		if m, ok := member[org.ID]; ok {
			uo.Source = models.OrganizationSourceMember
			uo.IsPrimary = m.IsPrimary
			uo.MembershipStatus = m.Status
		}
		orgs = append(orgs, uo)
	}

	sort.Slice(orgs, func(i, j int) bool { return orgs[i].Path < orgs[j].Path })
	return orgs, nil
}

func (r *MemoryRepository) UserHasOrganizationAccess(_ context.Context, userID, orgID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasAccessLocked(userID, orgID), nil
}

// hasAccessLocked applies the access rule: a direct active membership, or an
// active, non-expired role granted in the organization itself, or an
// inheritable role granted on an ancestor.
func (r *MemoryRepository) hasAccessLocked(userID, orgID string) bool {
	target, ok := r.organizations[orgID]
	if !ok || !target.IsActive {
		return false
	}
	if _, ok := r.activeMembershipOrgs(userID)[orgID]; ok {
		return true
	}

	now := r.now()
	for _, ur := range r.userRoles {
		if !ur.Active(now) || ur.UserID != userID {
			continue
		}
		role, ok := r.roles[ur.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		grantOrg, ok := r.organizations[ur.OrganizationID]
		if !ok || !grantOrg.IsActive {
			continue
		}
		if ur.OrganizationID == orgID {
			return true
		}
		if role.IsInheritable && models.IsPathDescendant(target.Path, grantOrg.Path) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetOrganizationHierarchy(_ context.Context, userID string) ([]models.OrganizationNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member := r.activeMembershipOrgs(userID)

	var nodes []models.OrganizationNode
	for _, org := range r.organizations {
		if !org.IsActive {
			continue
		}
		memberCount := 0
		for _, m := range r.memberships {
			if m.OrganizationID == org.ID && m.IsActive() {
				memberCount++
			}
		}
		roleCount := 0
		for _, role := range r.roles {
			if role.OrganizationID == org.ID && role.IsActive {
				roleCount++
			}
		}
		_, direct := member[org.ID]
		nodes = append(nodes, models.OrganizationNode{
			ID:             org.ID,
			Name:           org.Name,
			DisplayName:    org.DisplayName,
			Path:           org.Path,
			Level:          org.Depth() - 1,
			ParentID:       org.ParentID,
			HasAccess:      r.hasAccessLocked(userID, org.ID),
			IsDirectMember: direct,
			MemberCount:    memberCount,
			RoleCount:      roleCount,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

func (r *MemoryRepository) AddMembership(_ context.Context, m *models.OrganizationMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.organizations[m.OrganizationID]; !ok {
		return ErrOrganizationNotFound
	}
	if _, ok := r.users[m.UserID]; !ok {
		return ErrUserNotFound
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = r.now()
	}

	for _, existing := range r.memberships {
		if existing.UserID == m.UserID && existing.OrganizationID == m.OrganizationID {
			existing.IsPrimary = m.IsPrimary
			existing.Status = m.Status
			return nil
		}
	}

	clone := *m
	r.memberships = append(r.memberships, &clone)
	return nil
}

// =============================================================================
// ROLES AND PERMISSIONS
// =============================================================================

func (r *MemoryRepository) CreateRole(_ context.Context, req *models.CreateRoleRequest) (*models.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.organizations[req.OrganizationID]; !ok {
		return nil, ErrOrganizationNotFound
	}
	for _, role := range r.roles {
		if role.OrganizationID == req.OrganizationID && role.Name == req.Name {
			return nil, fmt.Errorf("role %q already exists in organization", req.Name)
		}
	}

	role := &models.Role{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		IsActive:       true,
		IsAssignable:   req.IsAssignable,
		IsInheritable:  req.IsInheritable,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
		CreatedAt:      r.now(),
		UpdatedAt:      r.now(),
	}
	r.roles[role.ID] = role

	clone := *role
	return &clone, nil
}

func (r *MemoryRepository) GetRole(_ context.Context, id string) (*models.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	clone := *role
	for _, rp := range r.rolePerms[id] {
		for _, p := range r.permissions {
			if p.ID == rp.PermissionID {
				clone.Permissions = append(clone.Permissions, *p)
			}
		}
	}
	sort.Slice(clone.Permissions, func(i, j int) bool {
		return clone.Permissions[i].Permission < clone.Permissions[j].Permission
	})
	return &clone, nil
}

func (r *MemoryRepository) AssignRole(_ context.Context, req *models.AssignRoleRequest, grantedBy *string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[req.RoleID]
	if !ok || !role.IsActive || !role.IsAssignable {
		return "", ErrRoleNotFound
	}
	if role.OrganizationID != req.OrganizationID {
		return "", ErrRoleOrgMismatch
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(r.now()) {
		return "", ErrInvalidExpiry
	}
	for _, ur := range r.userRoles {
		if ur.IsActive && ur.UserID == req.UserID && ur.RoleID == req.RoleID && ur.OrganizationID == req.OrganizationID {
			return ur.ID, nil
		}
	}

	ur := &models.UserRole{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		RoleID:         req.RoleID,
		OrganizationID: req.OrganizationID,
		GrantedBy:      grantedBy,
		GrantedAt:      r.now(),
		ExpiresAt:      req.ExpiresAt,
		IsActive:       true,
	}
	r.userRoles = append(r.userRoles, ur)
	return ur.ID, nil
}

func (r *MemoryRepository) RevokeRole(_ context.Context, req *models.RevokeRoleRequest, revokedBy *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ur := range r.userRoles {
		if ur.IsActive && ur.UserID == req.UserID && ur.RoleID == req.RoleID && ur.OrganizationID == req.OrganizationID {
			now := r.now()
			ur.IsActive = false
			ur.RevokedAt = &now
			ur.RevokedBy = revokedBy
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (r *MemoryRepository) AddPermissionToRole(_ context.Context, roleID, permission string, grantedBy *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roles[roleID]; !ok {
		return ErrRoleNotFound
	}

	perm, ok := r.permissions[permission]
	if !ok {
		resource, action, valid := models.SplitPermission(permission)
		if !valid && permission != "*" {
			return fmt.Errorf("invalid permission %q", permission)
		}
		perm = &models.Permission{
			ID:         uuid.NewString(),
			Permission: permission,
			Resource:   resource,
			Action:     action,
		}
		r.permissions[permission] = perm
	}

	for _, rp := range r.rolePerms[roleID] {
		if rp.PermissionID == perm.ID {
			return nil
		}
	}
	r.rolePerms[roleID] = append(r.rolePerms[roleID], models.RolePermission{
		RoleID:       roleID,
		PermissionID: perm.ID,
		GrantedBy:    grantedBy,
		GrantedAt:    r.now(),
	})
	return nil
}

func (r *MemoryRepository) RemovePermissionFromRole(_ context.Context, roleID, permission string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perm, ok := r.permissions[permission]
	if !ok {
		return nil
	}
	grants := r.rolePerms[roleID]
	for i, rp := range grants {
		if rp.PermissionID == perm.ID {
			r.rolePerms[roleID] = append(grants[:i], grants[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) ExpireUserRoles(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	count := 0
	for _, ur := range r.userRoles {
		if ur.IsActive && ur.IsExpired(now) {
			ur.IsActive = false
			ur.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

func (r *MemoryRepository) ResolvePermissions(_ context.Context, userID, orgID string, opts ResolveOptions) ([]models.ResolvedPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(userID, orgID, opts)
}

func (r *MemoryRepository) resolveLocked(userID, orgID string, opts ResolveOptions) ([]models.ResolvedPermission, error) {
	target, ok := r.organizations[orgID]
	if !ok || !target.IsActive {
		return nil, ErrOrganizationNotFound
	}

	now := r.now()
	winners := make(map[string]*models.ResolvedPermission)

	for _, ur := range r.userRoles {
		if !ur.Active(now) || ur.UserID != userID {
			continue
		}
		grantOrg, ok := r.organizations[ur.OrganizationID]
		if !ok || !grantOrg.IsActive {
			continue
		}
		role, ok := r.roles[ur.RoleID]
		if !ok || !role.IsActive {
			continue
		}

		source := models.SourceDirect
		if ur.OrganizationID != orgID {
			// Only inheritable roles on a proper ancestor reach the target.
			if !models.IsPathDescendant(target.Path, grantOrg.Path) {
				continue
			}
			if !role.IsInheritable || !opts.IncludeInherited {
				continue
			}
			source = models.SourceInherited
		}

		for _, rp := range r.rolePerms[role.ID] {
			var permString string
			for _, p := range r.permissions {
				if p.ID == rp.PermissionID {
					permString = p.Permission
					break
				}
			}
			if permString == "" {
				continue
			}
			if !models.MatchPermissionPattern(opts.Pattern, permString) {
				continue
			}

			candidate := &models.ResolvedPermission{
				Permission:    permString,
				RoleID:        role.ID,
				RoleName:      role.Name,
				IsInheritable: role.IsInheritable,
				Source:        source,
				Priority:      role.Priority,
				GrantedAt:     ur.GrantedAt,
				ExpiresAt:     ur.ExpiresAt,
			}
			if current, exists := winners[permString]; !exists || candidate.Wins(current) {
				winners[permString] = candidate
			}
		}
	}

	resolved := make([]models.ResolvedPermission, 0, len(winners))
	for _, p := range winners {
		resolved = append(resolved, *p)
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Permission < resolved[j].Permission })
	return resolved, nil
}

func (r *MemoryRepository) CheckPermission(_ context.Context, userID, orgID, permission string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved, err := r.resolveLocked(userID, orgID, ResolveOptions{IncludeInherited: true})
	if err != nil {
		return false, err
	}
	for _, p := range resolved {
		if models.PermissionMatches(p.Permission, permission) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) CheckPermissionsBulk(_ context.Context, userID, orgID string, permissions []string) ([]models.PermissionCheck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// One resolution pass, so bulk rows always agree with single checks.
	resolved, err := r.resolveLocked(userID, orgID, ResolveOptions{IncludeInherited: true})
	if err != nil {
		return nil, err
	}

	checks := make([]models.PermissionCheck, 0, len(permissions))
	for _, required := range permissions {
		has := false
		for _, p := range resolved {
			if models.PermissionMatches(p.Permission, required) {
				has = true
				break
			}
		}
		checks = append(checks, models.PermissionCheck{Permission: required, HasPermission: has})
	}
	return checks, nil
}

func (r *MemoryRepository) GetUserRoles(_ context.Context, userID, orgID string) ([]models.UserRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []models.UserRole
	for _, ur := range r.userRoles {
		if !ur.Active(now) || ur.UserID != userID || ur.OrganizationID != orgID {
			continue
		}
		clone := *ur
		if role, ok := r.roles[ur.RoleID]; ok {
			roleClone := *role
			clone.Role = &roleClone
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Role, out[j].Role
		if ri != nil && rj != nil && ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

func (r *MemoryRepository) RefreshDirectPermissions(context.Context) error {
	// Resolution is always computed live here; nothing to refresh.
	return nil
}

// =============================================================================
// TOKEN BLACKLIST
// =============================================================================

func (r *MemoryRepository) BlacklistToken(_ context.Context, entry *models.TokenBlacklistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = r.now()
	}
	// A repeat revocation refreshes the row: the latest reason wins and the
	// expiry extends to cover the newest request.
	if existing, ok := r.blacklist[entry.JTI]; ok {
		existing.Reason = entry.Reason
		existing.RevokedAt = r.now()
		existing.RevokedBy = entry.RevokedBy
		existing.ExpiresAt = entry.ExpiresAt
		existing.Metadata = entry.Metadata
		return nil
	}
	clone := *entry
	r.blacklist[entry.JTI] = &clone
	return nil
}

func (r *MemoryRepository) IsTokenBlacklisted(_ context.Context, jti string, userID *string) (*models.BlacklistStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	keys := []string{jti}
	if userID != nil {
		keys = append(keys, models.EmergencyJTI(*userID))
	}
	for _, key := range keys {
		if entry, ok := r.blacklist[key]; ok && entry.ActiveAt(now) {
			at := entry.RevokedAt
			return &models.BlacklistStatus{
				Blacklisted:   true,
				Reason:        entry.Reason,
				BlacklistedAt: &at,
			}, nil
		}
	}
	return &models.BlacklistStatus{Blacklisted: false}, nil
}

func (r *MemoryRepository) EmergencyRevokeUserTokens(_ context.Context, userID string, revokedBy *string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.blacklist[models.EmergencyJTI(userID)] = &models.TokenBlacklistEntry{
		JTI:       models.EmergencyJTI(userID),
		UserID:    &userID,
		RevokedAt: now,
		RevokedBy: revokedBy,
		Reason:    models.RevocationReasonEmergency,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (r *MemoryRepository) CleanupExpiredTokens(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	count := 0
	for jti, entry := range r.blacklist {
		if !entry.ActiveAt(now) {
			delete(r.blacklist, jti)
			count++
		}
	}
	return count, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (r *MemoryRepository) InsertAuditEvent(_ context.Context, event *models.AuditEvent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *event
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.OccurredAt.IsZero() {
		clone.OccurredAt = r.now()
	}
	r.auditEvents = append(r.auditEvents, clone)
	return clone.ID, nil
}

func (r *MemoryRepository) QueryAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []models.AuditEvent
	for _, e := range r.auditEvents {
		if !auditMatches(e, filter) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func auditMatches(e models.AuditEvent, f models.AuditFilter) bool {
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if e.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *f.OrganizationID) {
		return false
	}
	if f.Result != nil && e.Result != *f.Result {
		return false
	}
	return true
}

func (r *MemoryRepository) GetSecurityEventsSummary(_ context.Context, from, to time.Time) ([]models.SecuritySummaryRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct {
		category models.AuditCategory
		event    string
		result   models.AuditResult
	}
	rows := make(map[key]*models.SecuritySummaryRow)
	for _, e := range r.auditEvents {
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		switch e.Category {
		case models.CategoryAuthentication, models.CategoryAuthorization, models.CategorySecurity:
		default:
			continue
		}
		k := key{e.Category, e.EventType, e.Result}
		row, ok := rows[k]
		if !ok {
			row = &models.SecuritySummaryRow{
				Category:  e.Category,
				EventType: e.EventType,
				Result:    e.Result,
				FirstSeen: e.OccurredAt,
				LastSeen:  e.OccurredAt,
			}
			rows[k] = row
		}
		row.Count++
		if e.OccurredAt.Before(row.FirstSeen) {
			row.FirstSeen = e.OccurredAt
		}
		if e.OccurredAt.After(row.LastSeen) {
			row.LastSeen = e.OccurredAt
		}
	}

	out := make([]models.SecuritySummaryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

// DetectSuspiciousActivity mirrors authz.detect_suspicious_activity: failed
// authentication and authorization events keyed by (user, address) flag brute
// force once they reach failThreshold; permission checks from one (user,
// address) pair spanning more than orgThreshold organizations flag unusual
// access. Events with no user share a single anonymous bucket per address.
func (r *MemoryRepository) DetectSuspiciousActivity(_ context.Context, window time.Duration, failThreshold, orgThreshold int) ([]models.SuspiciousActivity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-window)

	type key struct {
		userID string
		ip     string
	}
	type failStats struct {
		hasUser     bool
		count       int
		first, last time.Time
	}
	fails := make(map[key]*failStats)

	type orgStats struct {
		orgs        map[string]bool
		first, last time.Time
	}
	checks := make(map[key]*orgStats)

	for _, e := range r.auditEvents {
		if e.OccurredAt.Before(cutoff) || e.IPAddress == nil {
			continue
		}
		k := key{ip: *e.IPAddress}
		if e.UserID != nil {
			k.userID = *e.UserID
		}

		failedAuth := e.Result == models.ResultFailure &&
			(e.Category == models.CategoryAuthentication || e.Category == models.CategoryAuthorization)
		if failedAuth {
			s, ok := fails[k]
			if !ok {
				s = &failStats{hasUser: e.UserID != nil, first: e.OccurredAt, last: e.OccurredAt}
				fails[k] = s
			}
			s.count++
			if e.OccurredAt.Before(s.first) {
				s.first = e.OccurredAt
			}
			if e.OccurredAt.After(s.last) {
				s.last = e.OccurredAt
			}
		}

		if e.EventType == models.EventPermissionCheck && e.UserID != nil && e.OrganizationID != nil {
			s, ok := checks[k]
			if !ok {
				s = &orgStats{orgs: make(map[string]bool), first: e.OccurredAt, last: e.OccurredAt}
				checks[k] = s
			}
			s.orgs[*e.OrganizationID] = true
			if e.OccurredAt.Before(s.first) {
				s.first = e.OccurredAt
			}
			if e.OccurredAt.After(s.last) {
				s.last = e.OccurredAt
			}
		}
	}

	var findings []models.SuspiciousActivity
	for k, s := range fails {
		if s.count >= failThreshold {
			f := models.SuspiciousActivity{
				ActivityType: models.ActivityBruteForce,
				IPAddress:    k.ip,
				EventCount:   s.count,
				FirstEvent:   s.first,
				LastEvent:    s.last,
			}
			if s.hasUser {
				uid := k.userID
				f.UserID = &uid
			}
			findings = append(findings, f)
		}
	}
	for k, s := range checks {
		if len(s.orgs) > orgThreshold {
			uid := k.userID
			findings = append(findings, models.SuspiciousActivity{
				ActivityType: models.ActivityUnusualAccess,
				UserID:       &uid,
				IPAddress:    k.ip,
				EventCount:   len(s.orgs),
				FirstEvent:   s.first,
				LastEvent:    s.last,
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].EventCount > findings[j].EventCount })
	return findings, nil
}
