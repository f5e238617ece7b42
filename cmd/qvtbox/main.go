// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qvtbox/qvtbox-go/internal/analytics"
	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/cache"
	"github.com/qvtbox/qvtbox-go/internal/cart"
	"github.com/qvtbox/qvtbox-go/internal/config"
	"github.com/qvtbox/qvtbox-go/internal/contact"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/demo"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/gateway/sqlgw"
	"github.com/qvtbox/qvtbox-go/internal/geoip"
	"github.com/qvtbox/qvtbox-go/internal/handler"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/logging"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/realtime"
	"github.com/qvtbox/qvtbox-go/internal/realtime/pglisten"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/scheduler"
	"github.com/qvtbox/qvtbox-go/internal/session"
	"github.com/qvtbox/qvtbox-go/internal/storage"
	"github.com/qvtbox/qvtbox-go/internal/store"
	"github.com/qvtbox/qvtbox-go/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = ""
	appBuildTime = ""
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "QVT Box - workplace wellbeing site and API\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_SIGNING_SECRET     Session and URL signing key (required, min 32 bytes)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_DB_DRIVER          sqlite|postgres (default: sqlite)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_DB_DSN             Database path or URL (default: ./data/qvtbox.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_SERVER_PORT        Server port (default: 8080)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_ENV                Environment: development|production (default: development)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_REALTIME           Change feed: memory|redis|postgres (default: memory)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_REDIS_URL          Redis URL for cache and change fan-out (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_STORAGE_DIR        Object storage root (default: ./data/storage)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_STATIC_DIR         Built web client (default: ./web/dist)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_FORM_RELAY_URL     Contact form relay endpoint (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_GEOIP_DB           GeoLite2-Country database for analytics (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  QVT_SEED               Seed the demo catalog and admin account (default: false)\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	build := version.Info{Version: appVersion, GitCommit: appGitCommit, BuildTime: appBuildTime}
	if *showVersion {
		_, _ = fmt.Println(build.String())
		os.Exit(0)
	}

	if err := run(build); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(build version.Info) error {
	// Load .env files if present (development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	textHandler := logging.NewTextHandler(os.Stdout, cfg.SlogLevel())
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	if err := i18n.Init(logger); err != nil {
		return fmt.Errorf("initializing i18n: %w", err)
	}
	slog.Info("i18n system initialized", "languages", i18n.SupportedLanguages, "default", cfg.DefaultLanguage)

	if cfg.DBDriver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DBDSN), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if cfg.DemoReset {
			reset := &demo.Reset{
				DBPath:     cfg.DBDSN,
				StorageDir: cfg.StorageDir,
				StateDir:   filepath.Dir(cfg.DBDSN),
				Logger:     logger,
			}
			if _, err := reset.IfDue(); err != nil {
				return fmt.Errorf("resetting demo data: %w", err)
			}
		}
	}

	slog.Info("initializing database", "driver", cfg.DBDriver)
	db, err := store.NewDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			slog.Error("error closing database connection", "error", err)
		}
	}(db)

	slog.Info("running database migrations")
	if err := store.Migrate(db, cfg.DBDriver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database ready")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Change feed. In postgres mode the database trigger is the only
	// publisher, so the gateway does not publish itself.
	var (
		feed      gateway.Realtime
		publisher gateway.Publisher
	)
	switch cfg.Realtime {
	case config.RealtimeRedis:
		bus, err := realtime.NewRedisBusFromURL(ctx, cfg.RedisURL, cfg.CachePrefix+"changes:", logger)
		if err != nil {
			return fmt.Errorf("connecting realtime bus: %w", err)
		}
		defer func() { _ = bus.Close() }()
		feed, publisher = bus, bus
	case config.RealtimePostgres:
		bus := realtime.NewMemoryBus(logger)
		defer func() { _ = bus.Close() }()
		source, err := pglisten.New(cfg.DBDSN, bus, logger)
		if err != nil {
			return fmt.Errorf("starting postgres listener: %w", err)
		}
		defer func() { _ = source.Close() }()
		go source.Run(ctx)
		feed = source
	default:
		bus := realtime.NewMemoryBus(logger)
		defer func() { _ = bus.Close() }()
		feed, publisher = bus, bus
	}
	slog.Info("realtime change feed ready", "mode", cfg.Realtime)

	opts := []sqlgw.Option{sqlgw.WithLogger(logger)}
	if publisher != nil {
		opts = append(opts, sqlgw.WithPublisher(publisher))
	}
	rows := sqlgw.New(db, cfg.DBDriver, opts...)

	// Upgrade logger to also write WARN and ERROR logs to the event log table
	logger = slog.New(logging.NewEventLogHandler(textHandler, rows))
	slog.SetDefault(logger)
	slog.Info("event log integration enabled", "min_level", "warn")

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Prefix = cfg.CachePrefix
	cacheCfg.DefaultTTL = cfg.CacheTTL
	if cfg.UseRedis() {
		cacheCfg.Type = cache.TypeRedis
		cacheCfg.RedisURL = cfg.RedisURL
	}
	kv := cache.New(ctx, cacheCfg, logger)
	defer func() { _ = kv.Close() }()

	authCfg := auth.DefaultConfig()
	authCfg.BaseURL = cfg.PublicBaseURL
	authCfg.Mailer = auth.LogMailer{Logger: logger}
	authCfg.Logger = logger
	authSvc, err := auth.NewService(rows, authCfg)
	if err != nil {
		return fmt.Errorf("initializing auth: %w", err)
	}

	objects, err := storage.NewLocal(storage.Config{
		Root:    cfg.StorageDir,
		BaseURL: cfg.PublicBaseURL,
		Secret:  []byte(cfg.SigningSecret),
		Buckets: storage.DefaultBuckets(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	roleRepo := role.NewRepository(rows)
	products := product.NewRepository(rows)
	pages := content.NewRepository(rows)

	if cfg.Seed {
		seeder := &demo.Seeder{Products: products, Content: pages, Auth: authSvc, Roles: roleRepo, Logger: logger}
		if err := seeder.Catalog(ctx); err != nil {
			return fmt.Errorf("seeding catalog: %w", err)
		}
		if err := seeder.Admin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fmt.Errorf("seeding admin: %w", err)
		}
	}

	countries, err := geoip.Open(cfg.GeoIPDB)
	if err != nil {
		slog.Warn("geoip disabled", "error", err)
		countries, _ = geoip.Open("")
	}
	defer func() { _ = countries.Close() }()

	batchOpts := analytics.DefaultOptions()
	batchOpts.Countries = countries
	batchOpts.Logger = logger
	batcher := analytics.NewBatcher(rows, batchOpts)

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.PurgeJob("auth-purge", authSvc, logger)); err != nil {
		return fmt.Errorf("registering auth purge: %w", err)
	}
	if countries.Enabled() {
		if err := sched.Add(scheduler.Job{
			Name:        "geoip-reload",
			Description: "Pick up a refreshed GeoLite2 database",
			Schedule:    "@daily",
			Run:         countries.ReloadJob(logger),
		}); err != nil {
			return fmt.Errorf("registering geoip reload: %w", err)
		}
	}
	sched.Start()

	login := middleware.NewLoginProtection(middleware.DefaultLoginProtectionConfig())
	defer login.Close()

	h := handler.New(handler.Deps{
		DB:         db,
		Realtime:   feed,
		Sessions:   session.New(db, cfg.DBDriver, cfg.IsDevelopment()),
		Auth:       authSvc,
		Roles:      role.NewResolver(roleRepo, cfg.Policy()),
		RoleRepo:   roleRepo,
		Products:   products,
		Content:    pages,
		Mood:       mood.NewService(mood.NewRepository(rows), logger),
		Carts:      cart.NewStore(kv, 30*24*time.Hour, logger),
		Languages:  i18n.NewPreferences(kv, cfg.DefaultLanguage, logger),
		Contact:    contact.NewService(rows, contact.Config{RelayURL: cfg.FormRelayURL, Email: cfg.ContactEmail, Logger: logger}),
		Storage:    objects,
		StorageDir: cfg.StorageDir,
		Analytics:  batcher,
		Login:      login,
		Limiter:    middleware.NewRateLimiter(10, 20),
		CSRF:       middleware.CSRF(middleware.DefaultCSRFConfig([]byte(cfg.SigningSecret)[:config.MinSigningSecretLength], cfg.IsDevelopment(), cfg.ServerAddr())),
		Security:   middleware.DefaultSecurityHeadersConfig(cfg.IsDevelopment()),
		StaticDir:  cfg.StaticDir,
		SiteURL:    cfg.PublicBaseURL,
		NoIndex:    cfg.IsDevelopment(),
		Build:      build,
		Logger:     logger,
	})
	if pinger, ok := kv.(interface{ Ping(context.Context) error }); ok {
		h.Health().AddCheck("redis", pinger.Ping)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           h.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // uploads
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr(), "env", cfg.Env, "version", build.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Live connections are hijacked, so Shutdown does not wait for them.
	h.Live().Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	sched.Stop()
	if err := batcher.Close(); err != nil {
		slog.Error("flushing analytics", "error", err)
	}

	slog.Info("server stopped")
	return nil
}
