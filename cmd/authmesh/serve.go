package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/cache"
	"github.com/authmesh/authmesh/internal/coordinator"
	"github.com/authmesh/authmesh/internal/fabric"
	"github.com/authmesh/authmesh/internal/handlers"
	"github.com/authmesh/authmesh/internal/idp"
	"github.com/authmesh/authmesh/internal/maintenance"
	"github.com/authmesh/authmesh/internal/metrics"
	authmw "github.com/authmesh/authmesh/internal/middleware"
	"github.com/authmesh/authmesh/internal/orgs"
	"github.com/authmesh/authmesh/internal/permissions"
	"github.com/authmesh/authmesh/internal/rbac"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/internal/server"
	"github.com/authmesh/authmesh/pkg/logging"
	"github.com/authmesh/authmesh/pkg/messaging"
	memtransport "github.com/authmesh/authmesh/pkg/messaging/memory"
	natstransport "github.com/authmesh/authmesh/pkg/messaging/nats"
	"github.com/authmesh/authmesh/pkg/tokens"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger()

	logger.Info("starting authmesh",
		"port", cfg.Server.Port,
		"database", cfg.Database.Type,
		"messaging", cfg.Messaging.Type,
	)

	repo, err := openRepository(logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	m := metrics.New()

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cache.Config{
			Addr:          cfg.Cache.Addr,
			Password:      cfg.Cache.Password,
			DB:            cfg.Cache.DB,
			BlacklistTTL:  cfg.Cache.BlacklistTTL,
			PermissionTTL: cfg.Cache.PermissionTTL,
		}, logger, m)
		defer c.Close()
	}

	auditKey := cfg.Audit.SigningKey
	if auditKey == "" {
		auditKey = cfg.Tokens.SigningKey
	}
	auditor := audit.NewLogger(repo, []byte(auditKey), logger, m)
	engine := permissions.NewEngine(repo, c, auditor, logger, m)

	transport, err := openTransport(logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	consumer := fabric.NewConsumer(transport, fabric.ConsumerConfig{
		MaxConcurrency: cfg.Fabric.MaxConcurrency,
		MaxAttempts:    cfg.Fabric.MaxAttempts,
		RetryBase:      cfg.Fabric.RetryBase,
		RetryCap:       cfg.Fabric.RetryCap,
	}, logger)
	workers := fabric.NewWorkers(repo, engine, c, auditor, logger)
	if err := workers.Register(consumer); err != nil {
		return fmt.Errorf("register fabric handlers: %w", err)
	}

	bus := fabric.NewBus(transport, fabric.BusConfig{
		RequestTimeout:   cfg.Fabric.RequestTimeout,
		BreakerThreshold: cfg.Fabric.BreakerThreshold,
		BreakerWindow:    cfg.Fabric.BreakerWindow,
		BreakerCooldown:  cfg.Fabric.BreakerCooldown,
	}, logger)

	manager, err := tokens.NewManager(tokens.Config{
		SigningKey:     []byte(cfg.Tokens.SigningKey),
		Algorithm:      cfg.Tokens.Algorithm,
		Issuer:         cfg.Tokens.Issuer,
		Audience:       cfg.Tokens.Audience,
		TTL:            cfg.Tokens.TTL,
		Leeway:         cfg.Tokens.Leeway,
		MaxPermissions: cfg.Tokens.MaxPermissions,
	})
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	idpClient := idp.NewClient(idp.Config{
		BaseURL:      cfg.IdP.BaseURL,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		RedirectURI:  cfg.IdP.RedirectURI,
		Timeout:      cfg.IdP.Timeout,
	}, logger)

	coord := coordinator.New(idpClient, bus, manager, logger, m)
	resolver := orgs.NewResolver(repo, logger)
	rbacSvc := rbac.NewService(repo, engine, auditor, logger)
	reader := audit.NewReader(repo)

	authHandler := handlers.NewAuthHandler(coord, repo, logger)
	adminHandler := handlers.NewAdminHandler(resolver, rbacSvc, coord, auditor, reader, logger)
	authMW := authmw.NewAuthMiddleware(coord)
	router := server.NewRouter(authHandler, adminHandler, authMW, m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := maintenance.NewSweeper(repo, auditor, maintenance.Config{
		RoleExpiryInterval:        cfg.Maintenance.RoleExpiryInterval,
		TokenCleanupInterval:      cfg.Maintenance.TokenCleanupInterval,
		ProjectionRefreshInterval: cfg.Maintenance.ProjectionRefreshInterval,
	}, logger)
	go sweeper.Run(ctx)

	detector := audit.NewDetector(repo, auditor, audit.DetectorConfig{
		Window:        cfg.Audit.DetectorWindow,
		FailThreshold: cfg.Audit.FailThreshold,
		OrgThreshold:  cfg.Audit.OrgThreshold,
	}, logger, m)
	go detector.Run(ctx, cfg.Audit.ScanInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authmesh listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := transport.Drain(); err != nil {
		logger.Warn("transport drain failed", "error", err)
	}
	return nil
}

func openRepository(logger *logging.Logger) (repository.Repository, error) {
	if cfg.Database.Type != "postgres" {
		logger.Warn("using in-memory repository (development only)")
		return repository.NewMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()
	if cfg.Database.Migrate {
		if err := runMigrations(connString, logger); err != nil {
			return nil, err
		}
	}

	logger.Info("connecting to postgres",
		"host", cfg.Database.Postgres.Host,
		"database", cfg.Database.Postgres.Database,
	)
	repo, err := repository.NewPostgresRepository(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return repo, nil
}

func runMigrations(connString string, logger *logging.Logger) error {
	mig, err := migrate.New("file://migrations", connString)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := mig.Version()
	if err != nil {
		logger.Warn("could not read migration version", "error", err)
		return nil
	}
	logger.Info("database migrations complete", "version", version, "dirty", dirty)
	return nil
}

func openTransport(logger *logging.Logger) (messaging.Client, error) {
	if cfg.Messaging.Type != "nats" {
		logger.Warn("using in-process message transport (single binary mode)")
		return memtransport.NewClient(), nil
	}

	natsCfg := natstransport.DefaultConfig()
	natsCfg.URL = cfg.Messaging.NATS.URL
	natsCfg.Name = "authmesh"
	natsCfg.Username = cfg.Messaging.NATS.Username
	natsCfg.Password = cfg.Messaging.NATS.Password
	natsCfg.Token = cfg.Messaging.NATS.Token

	client, err := natstransport.NewClient(natsCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to nats", "url", natsCfg.URL)
	return client, nil
}
