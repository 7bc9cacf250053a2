package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"lattice-backend/internal/admin"
	"lattice-backend/internal/auth"
	"lattice-backend/internal/authz"
	"lattice-backend/internal/config"
	"lattice-backend/internal/engine"
	"lattice-backend/internal/metadata"
	"lattice-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Entitlement catalog. Registrations land before storage exists and
	// queue until the readiness signal below.
	authzStore := store.NewAuthzStore(db)
	catalog := authz.NewCatalog(authzStore)
	if err := registerBuiltinEntitlements(ctx, catalog); err != nil {
		log.Fatalf("Failed to register built-in entitlements: %v", err)
	}

	// 4. Bootstrap system tables, then flush the catalog
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	if err := catalog.StorageReady(ctx); err != nil {
		log.Fatalf("Failed to flush entitlement catalog: %v", err)
	}
	log.Printf("Entitlement catalog flushed (%d entitlements)", len(catalog.Names()))

	// 5. Create registry and load metadata
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.Pool, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	// 6. Overrides: system self-protection plus the configured suspension block
	overrides := authz.NewOverrides()
	engine.RegisterSystemGuards(overrides)

	if cfg.Authz.SuspendExpr != "" {
		suspended, err := authz.ExprAccountPredicate(cfg.Authz.SuspendExpr)
		if err != nil {
			log.Fatalf("Failed to compile suspend expression: %v", err)
		}
		overrides.RegisterAccountBlock(authz.Wildcard, authz.Wildcard, suspended)
	}

	// 7. Authorizer over the resolver and the schema registry
	resolver := authz.NewResolver(authzStore)
	authorizer := authz.NewAuthorizer(resolver, overrides, reg)

	// 8. Create migrator
	migrator := store.NewMigrator(db)

	// 9. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 10. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 11. Auth routes
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	authMW := auth.Middleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()
	auth.RegisterRoutes(app, authHandler, authMW)

	// 12. Admin routes (auth + admin required)
	adminHandler := admin.NewHandler(db, reg, migrator, catalog, authorizer)
	admin.RegisterRoutes(app, adminHandler, authMW, adminMW)

	// 13. Dynamic entity routes (auth required)
	engineHandler := engine.NewHandler(db, reg, authorizer)
	engine.RegisterDynamicRoutes(app, engineHandler, authMW)

	// 14. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

// registerBuiltinEntitlements declares the entitlements the server itself
// ships with. Deployments register their own alongside these; everything
// queued here persists when the catalog's readiness signal fires.
func registerBuiltinEntitlements(ctx context.Context, catalog *authz.Catalog) error {
	return catalog.Register(ctx,
		"everything",
		"Grants every action on every entity type the attribute scope reaches",
		"builtin",
		nil,
		[]string{"*"},
	)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
