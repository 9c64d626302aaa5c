// Package cache is a Redis read-through layer in front of the hot
// authorization lookups: blacklist checks and resolved permission sets.
// Everything here is best-effort; a cache failure degrades to the
// repository, never to a denied request.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authmesh/authmesh/internal/metrics"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/logging"
)

const (
	blacklistKeyPrefix  = "authz:bl:"
	permissionKeyPrefix = "authz:perm:"
)

// Config tunes the cache layer.
type Config struct {
	// Addr is the Redis host:port.
	Addr     string
	Password string
	DB       int

	// BlacklistTTL bounds how stale a negative blacklist answer can be.
	// Positive answers live until the underlying token expires. Default 30s.
	BlacklistTTL time.Duration

	// PermissionTTL bounds resolved-set staleness. Default 60s.
	PermissionTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BlacklistTTL <= 0 {
		out.BlacklistTTL = 30 * time.Second
	}
	if out.PermissionTTL <= 0 {
		out.PermissionTTL = 60 * time.Second
	}
	return out
}

// Cache wraps a Redis client with the server's key scheme.
type Cache struct {
	client  *redis.Client
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Cache {
	resolved := cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     resolved.Addr,
		Password: resolved.Password,
		DB:       resolved.DB,
	})
	return &Cache{client: client, cfg: resolved, logger: logger, metrics: m}
}

// NewWithClient wraps an existing client. Test hook.
func NewWithClient(client *redis.Client, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Cache {
	return &Cache{client: client, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) record(name, outcome string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(name, outcome).Inc()
	}
}

// GetBlacklistStatus returns a cached answer, if any.
func (c *Cache) GetBlacklistStatus(ctx context.Context, jti string) (*models.BlacklistStatus, bool) {
	data, err := c.client.Get(ctx, blacklistKeyPrefix+jti).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnContext(ctx, "blacklist cache read failed", "error", err)
		}
		c.record("blacklist", "miss")
		return nil, false
	}

	var status models.BlacklistStatus
	if err := json.Unmarshal(data, &status); err != nil {
		c.record("blacklist", "miss")
		return nil, false
	}
	c.record("blacklist", "hit")
	return &status, true
}

// SetBlacklistStatus caches an answer. Revoked entries live until the token
// would expire anyway; clean entries get the short negative TTL so a fresh
// revocation propagates quickly.
func (c *Cache) SetBlacklistStatus(ctx context.Context, jti string, status *models.BlacklistStatus, tokenExpiry time.Time) {
	ttl := c.cfg.BlacklistTTL
	if status.Blacklisted {
		if until := time.Until(tokenExpiry); until > 0 {
			ttl = until
		}
	}

	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, blacklistKeyPrefix+jti, data, ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "blacklist cache write failed", "error", err)
	}
}

// InvalidateBlacklist drops the cached answer for a jti, used right after a
// revocation so the next check hits the store.
func (c *Cache) InvalidateBlacklist(ctx context.Context, jti string) {
	if err := c.client.Del(ctx, blacklistKeyPrefix+jti).Err(); err != nil {
		c.logger.WarnContext(ctx, "blacklist cache invalidation failed", "error", err)
	}
}

func permissionKey(userID, orgID string) string {
	return permissionKeyPrefix + userID + ":" + orgID
}

// GetPermissions returns a cached resolved set, if any.
func (c *Cache) GetPermissions(ctx context.Context, userID, orgID string) ([]models.ResolvedPermission, bool) {
	data, err := c.client.Get(ctx, permissionKey(userID, orgID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnContext(ctx, "permission cache read failed", "error", err)
		}
		c.record("permissions", "miss")
		return nil, false
	}

	var resolved []models.ResolvedPermission
	if err := json.Unmarshal(data, &resolved); err != nil {
		c.record("permissions", "miss")
		return nil, false
	}
	c.record("permissions", "hit")
	return resolved, true
}

// SetPermissions caches a resolved set.
func (c *Cache) SetPermissions(ctx context.Context, userID, orgID string, resolved []models.ResolvedPermission) {
	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, permissionKey(userID, orgID), data, c.cfg.PermissionTTL).Err(); err != nil {
		c.logger.WarnContext(ctx, "permission cache write failed", "error", err)
	}
}

// InvalidateUserPermissions drops every cached resolved set for a user,
// across all organizations. Called after role mutations.
func (c *Cache) InvalidateUserPermissions(ctx context.Context, userID string) {
	iter := c.client.Scan(ctx, 0, permissionKeyPrefix+userID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.WarnContext(ctx, "permission cache scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "permission cache invalidation failed", "error", err)
	}
}
