// Package config loads server configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Tokens      TokensConfig      `mapstructure:"tokens"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Messaging   MessagingConfig   `mapstructure:"messaging"`
	Cache       CacheConfig       `mapstructure:"cache"`
	IdP         IdPConfig         `mapstructure:"idp"`
	Fabric      FabricConfig      `mapstructure:"fabric"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type TokensConfig struct {
	SigningKey     string        `mapstructure:"signing_key"`
	Algorithm      string        `mapstructure:"algorithm"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	TTL            time.Duration `mapstructure:"ttl"`
	Leeway         time.Duration `mapstructure:"leeway"`
	MaxPermissions int           `mapstructure:"max_permissions"`
}

type DatabaseConfig struct {
	// Type is "postgres" or "memory".
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Migrate  bool           `mapstructure:"migrate"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString renders the pgx / golang-migrate connection URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type MessagingConfig struct {
	// Type is "nats" or "memory".
	Type string     `mapstructure:"type"`
	NATS NATSConfig `mapstructure:"nats"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	BlacklistTTL  time.Duration `mapstructure:"blacklist_ttl"`
	PermissionTTL time.Duration `mapstructure:"permission_ttl"`
}

type IdPConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type FabricConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryCap         time.Duration `mapstructure:"retry_cap"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type AuditConfig struct {
	SigningKey     string        `mapstructure:"signing_key"`
	DetectorWindow time.Duration `mapstructure:"detector_window"`
	FailThreshold  int           `mapstructure:"fail_threshold"`
	OrgThreshold   int           `mapstructure:"org_threshold"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
}

type MaintenanceConfig struct {
	RoleExpiryInterval        time.Duration `mapstructure:"role_expiry_interval"`
	TokenCleanupInterval      time.Duration `mapstructure:"token_cleanup_interval"`
	ProjectionRefreshInterval time.Duration `mapstructure:"projection_refresh_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("tokens.algorithm", "HS256")
	v.SetDefault("tokens.issuer", "authmesh")
	v.SetDefault("tokens.audience", "authmesh-clients")
	v.SetDefault("tokens.ttl", "1h")
	v.SetDefault("tokens.leeway", "5m")
	v.SetDefault("tokens.max_permissions", 500)

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "authmesh")
	v.SetDefault("database.postgres.user", "authmesh")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("messaging.type", "memory")
	v.SetDefault("messaging.nats.url", "nats://localhost:4222")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.blacklist_ttl", "30s")
	v.SetDefault("cache.permission_ttl", "60s")

	v.SetDefault("idp.timeout", "10s")

	v.SetDefault("fabric.request_timeout", "30s")
	v.SetDefault("fabric.max_concurrency", 32)
	v.SetDefault("fabric.max_attempts", 3)
	v.SetDefault("fabric.retry_base", "1s")
	v.SetDefault("fabric.retry_cap", "30s")
	v.SetDefault("fabric.breaker_threshold", 5)
	v.SetDefault("fabric.breaker_window", "60s")
	v.SetDefault("fabric.breaker_cooldown", "5m")

	v.SetDefault("audit.detector_window", "5m")
	v.SetDefault("audit.fail_threshold", 5)
	v.SetDefault("audit.org_threshold", 3)
	v.SetDefault("audit.scan_interval", "5m")

	v.SetDefault("maintenance.role_expiry_interval", "15m")
	v.SetDefault("maintenance.token_cleanup_interval", "1h")
	v.SetDefault("maintenance.projection_refresh_interval", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authmesh")
	}

	v.SetEnvPrefix("AUTHMESH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.Tokens.SigningKey) < 32 {
		return fmt.Errorf("tokens.signing_key must be at least 32 bytes")
	}
	switch c.Database.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.type must be postgres or memory, got %q", c.Database.Type)
	}
	switch c.Messaging.Type {
	case "nats", "memory":
	default:
		return fmt.Errorf("messaging.type must be nats or memory, got %q", c.Messaging.Type)
	}
	return nil
}
