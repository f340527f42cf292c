package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/openvouch/openvouch/internal/auth"
	"github.com/openvouch/openvouch/internal/config"
	"github.com/openvouch/openvouch/internal/identity"
	"github.com/openvouch/openvouch/internal/ratelimit"
	"github.com/openvouch/openvouch/internal/server"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/telemetry"
	"github.com/openvouch/openvouch/internal/verify"
	"github.com/openvouch/openvouch/internal/vouch"
	"github.com/openvouch/openvouch/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("VOUCHD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	slog.Info("vouchd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations. RunMigrations
	// tracks applied files in schema_migrations, so reruns are no-ops.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// External verification provider. With no URL configured every lookup
	// comes back unverified, which keeps local development honest: trust
	// scores stay at their unverified baseline instead of being faked.
	var provider verify.Provider
	if cfg.ProviderURL != "" {
		provider = verify.NewHTTPProvider(cfg.ProviderURL)
		logger.Info("verification provider: http", "url", cfg.ProviderURL)
	} else {
		provider = &verify.StaticProvider{}
		logger.Info("verification provider: static (all lookups unverified)")
	}

	identitySvc := identity.New(db, provider, logger)
	vouchSvc := vouch.New(db, logger)

	authLimiter := ratelimit.PerMinute(cfg.AuthRatePerMinute)
	defer func() { _ = authLimiter.Close() }()
	apiLimiter := ratelimit.PerMinute(cfg.APIRatePerMinute)
	defer func() { _ = apiLimiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		IdentitySvc:         identitySvc,
		VouchSvc:            vouchSvc,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		APILimiter:          apiLimiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed admin agent.
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAgentID, cfg.AdminAPIKey); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("vouchd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("vouchd stopped")
	return nil
}
