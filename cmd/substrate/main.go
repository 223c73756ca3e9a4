// Substrate control-plane server — routing registry, event streams,
// blackboard, and the tenant audit chain behind one HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/enginekit/substrate/pkg/api"
	"github.com/enginekit/substrate/pkg/audit"
	"github.com/enginekit/substrate/pkg/backend"
	"github.com/enginekit/substrate/pkg/blackboard"
	"github.com/enginekit/substrate/pkg/config"
	"github.com/enginekit/substrate/pkg/database"
	"github.com/enginekit/substrate/pkg/events"
	"github.com/enginekit/substrate/pkg/gates"
	"github.com/enginekit/substrate/pkg/identity"
	"github.com/enginekit/substrate/pkg/retention"
	"github.com/enginekit/substrate/pkg/routing"
	"github.com/enginekit/substrate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting substrate",
		"version", version.Full(),
		"listen_addr", cfg.Server.ListenAddr,
		"default_env", cfg.DefaultEnv(),
		"config_dir", *configDir)

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Streaming infrastructure
	store := events.NewStore(dbClient.DB())
	connManager := events.NewConnectionManager(store, cfg.Server.WriteTimeout)

	// Start NotifyListener (dedicated pgx connection for LISTEN)
	notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)

	// Wire listener ↔ manager bidirectional link
	connManager.SetListener(notifyListener)
	tailer := events.NewTailer(store, connManager)
	slog.Info("Streaming infrastructure initialized")

	// 4. Control-plane services
	auditor := audit.NewRecorder(dbClient.DB(), nil)
	routes := routing.NewService(dbClient.DB(), store, auditor, nil)

	// Apply bootstrap routes before validation, so a fresh deployment can
	// describe its system defaults in YAML.
	for _, req := range cfg.Routing.Bootstrap {
		if _, err := routes.Upsert(ctx, nil, req); err != nil {
			slog.Error("Failed to apply bootstrap route",
				"resource_kind", req.ResourceKind, "tenant_id", req.TenantID, "error", err)
			os.Exit(1)
		}
	}
	if len(cfg.Routing.Bootstrap) > 0 {
		slog.Info("Bootstrap routes applied", "count", len(cfg.Routing.Bootstrap))
	}

	// 5. Startup validation: every required kind must resolve to an allowed
	// backend or the process refuses to serve.
	guard := routing.NewValidator(routes, cfg.Routing.RequiredKinds, cfg.DefaultEnv(), nil)
	if err := guard.Validate(ctx); err != nil {
		slog.Error("Startup validation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Startup validation passed", "required_kinds", len(cfg.Routing.RequiredKinds))

	// 6. Identity, gates, and domain services
	verifier := identity.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))
	resolver := identity.NewResolver(verifier, cfg.DefaultEnv(), cfg.Auth.LegacyQueryScope)
	memberships := identity.NewMembershipService(dbClient.DB())
	gateRunner := gates.NewRunner(memberships, store, auditor, nil)

	bb := blackboard.NewService(dbClient.DB(), nil)
	factory := backend.NewFactory(dbClient.DB())
	defer factory.Close()

	// 7. Retention janitor
	janitor := retention.NewJanitor(cfg.Retention, store, auditor)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 8. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient, resolver, routes, guard, factory,
		store, connManager, tailer, bb, auditor, gateRunner)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Substrate started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests first, then tear down
	// the streaming and background infrastructure via the deferred stops.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
