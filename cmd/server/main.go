package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"

	"devops-backend/internal/admin"
	"devops-backend/internal/audit"
	"devops-backend/internal/auth"
	"devops-backend/internal/config"
	"devops-backend/internal/engine"
	"devops-backend/internal/guard"
	"devops-backend/internal/metadata"
	"devops-backend/internal/principal"
	"devops-backend/internal/rbac"
	"devops-backend/internal/store"
)

const tokenPurgeInterval = time.Hour

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("database connected", "driver", db.Dialect.Name(), "name", cfg.Database.Name)

	// 2. Bootstrap system tables, the superuser and the built-in roles
	err = db.Bootstrap(ctx, store.BootstrapOptions{
		AdminUsername: cfg.Bootstrap.AdminUsername,
		AdminPassword: cfg.Bootstrap.AdminPassword,
		AdminRole:     cfg.RBAC.AdminRoles[0],
		AdminCode:     cfg.RBAC.AdminCode,
		DefaultRole:   cfg.RBAC.DefaultRole,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// 3. Load the resource catalogue and migrate its tables
	reg := metadata.NewRegistry()
	if err := metadata.LoadEmbedded(reg); err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	if err := store.NewMigrator(db).MigrateAll(ctx, reg.All()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	adminCode := rbac.Code(cfg.RBAC.AdminCode)
	if err := db.SyncPermissions(ctx, reg.All(), adminCode); err != nil {
		return fmt.Errorf("sync permissions: %w", err)
	}
	logger.Info("resources ready", "count", len(reg.All()))

	// 4. Authorization: resolver, audit trail, guard
	resolver := principal.NewCachedResolver(principal.NewStoreResolver(db, cfg.RBAC.AdminRoles), cfg.RBAC.CacheTTL)

	var recorder audit.Recorder = audit.Discard
	if cfg.Audit.Enabled {
		buf := audit.NewBuffer(db, cfg.Audit.BufferSize, cfg.Audit.FlushInterval, cfg.Audit.RecordAllows)
		defer buf.Stop()
		recorder = buf
		audit.StartCleanup(ctx, db, cfg.Audit.RetentionDays)
	}

	g := guard.New(guard.Options{
		Engine:    rbac.New(rbac.Options{AdminCode: adminCode}),
		Resolver:  resolver,
		Whitelist: guard.NewWhitelist(cfg.RBAC.Whitelist),
		Recorder:  recorder,
		Logger:    logger,
	})

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 6. Auth routes, then token check for everything not whitelisted
	signer := auth.NewSigner(cfg.JWTSecret, cfg.Auth.AccessTokenTTL)
	auth.RegisterAuthRoutes(app, auth.NewAuthHandler(db, signer, cfg))
	app.Use(auth.Middleware(signer, g.Whitelisted))

	// 7. Audit trail, admin role only
	api := app.Group("/api")
	auditHandler := audit.NewHandler(db)
	api.Get("/audit/events", g.RequireAdminRole(), auditHandler.List)
	api.Get("/audit/stats", g.RequireAdminRole(), auditHandler.Stats)

	// 8. Resource routes
	engineHandler := engine.NewHandler(db, reg, cfg.API.PageSize)
	engineHandler.OnGrantsChanged(func(res *metadata.Resource) {
		resolver.Purge()
		logger.Debug("grant cache purged", "resource", res.Name)
	})
	adminHandler := admin.NewHandler(engineHandler, cfg, logger)
	if err := engine.RegisterResourceRoutes(api, engineHandler, g, adminHandler.Actions()); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	go purgeTokens(ctx, db, logger)

	// 9. Serve until interrupted
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func purgeTokens(ctx context.Context, db *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := auth.PurgeExpiredTokens(ctx, db)
			if err != nil {
				logger.Warn("refresh token purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired refresh tokens purged", "count", n)
			}
		}
	}
}
