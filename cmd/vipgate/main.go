// Package main is the entrypoint for the vipgate server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxbot/vipgate/internal/cache"
	"github.com/luxbot/vipgate/internal/config"
	"github.com/luxbot/vipgate/internal/httpclient"
	"github.com/luxbot/vipgate/internal/identity"
	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/payments"
	"github.com/luxbot/vipgate/internal/server"
	"github.com/luxbot/vipgate/internal/session"
	"github.com/luxbot/vipgate/internal/store"
	"github.com/luxbot/vipgate/internal/telegram"
	"github.com/luxbot/vipgate/internal/tlsutil"

	// Register cache drivers
	_ "github.com/luxbot/vipgate/internal/cache/loader"

	// Register store drivers
	_ "github.com/luxbot/vipgate/internal/store/memory"
	_ "github.com/luxbot/vipgate/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: prod or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	externalOrigin := flag.String("external-origin", "", "External origin (overrides config)")
	botToken := flag.String("bot-token", "", "Telegram Bot API token (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: memory or sqlite (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory for the sqlite store (overrides config)")
	cacheDriver := flag.String("cache-driver", "", "Cache driver: memory or valkey (overrides config)")
	tlsMode := flag.String("tls-mode", "", "TLS mode: off, static, selfsigned, or acme (overrides config)")
	sweepInterval := flag.String("sweep-interval", "", "Sweep interval in seconds (overrides config)")
	adminUsername := flag.String("admin-username", "", "Admin username (overrides config)")
	adminPassword := flag.String("admin-password", "", "Admin password (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:     listenAddr,
			ExternalOrigin: externalOrigin,
			BotToken:       botToken,
			StoreDriver:    storeDriver,
			DataDir:        dataDir,
			CacheDriver:    cacheDriver,
			TLSMode:        tlsMode,
			SweepInterval:  sweepInterval,
			AdminUsername:  adminUsername,
			AdminPassword:  adminPassword,
			LoggingLevel:   loggingLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "trace":
		level = slog.LevelDebug - 4 // slog has no trace, use debug-4
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	rawDriver, err := store.New(&store.DriverConfig{
		Driver:  cfg.Store.Driver,
		DataDir: cfg.Store.DataDir,
	})
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	driver, ok := rawDriver.(store.Store)
	if !ok {
		logger.Error("store driver is incomplete", "driver", rawDriver.Name())
		os.Exit(1)
	}
	if err := driver.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	// Ephemeral state: consent sessions and rate-limit counters
	cacheInstance, err := cache.NewFromConfig(cfg.Cache.Driver, cfg.Cache.Drivers)
	if err != nil {
		logger.Error("failed to create cache", "error", err)
		os.Exit(1)
	}

	// Bot API transport
	httpClient := httpclient.New(&cfg.OutboundHTTP)
	botClient := telegram.NewClient(httpClient, cfg.Telegram.APIOrigin, cfg.Telegram.BotToken, logger)

	// Lifecycle engine
	externalTimeout := time.Duration(cfg.Sweep.ExternalTimeoutMS) * time.Millisecond
	dispatcher := membership.NewDispatcher(botClient, externalTimeout, logger)
	enforcer := membership.NewEnforcer(driver, botClient, dispatcher, externalTimeout, logger)
	scheduler := membership.NewScheduler(driver, enforcer, dispatcher, logger)
	sweeper := membership.NewSweeper(scheduler, time.Duration(cfg.Sweep.IntervalSeconds)*time.Second, logger)
	validator := membership.NewValidator(driver, driver, logger)
	ledger := membership.NewLedger(driver, driver, botClient, logger)
	reconciler := membership.NewReconciler(driver, driver, driver, cfg.Payments.DefaultExtensionDays, logger)

	sessions := session.NewStore(cacheInstance)
	gateway := telegram.NewGateway(botClient, validator, ledger, driver, driver, sessions, logger)

	admin, err := identity.NewAdmin(cfg.Server.Admin.Username, cfg.Server.Admin.Password)
	if err != nil {
		logger.Error("invalid admin credentials", "error", err)
		os.Exit(1)
	}
	if !admin.Enabled() {
		logger.Warn("admin credentials not configured, management endpoints are disabled")
	}

	var acme *tlsutil.ACMEManager
	if cfg.TLS.Mode == "acme" {
		acme = tlsutil.NewACMEManager(&cfg.TLS.ACME, logger)
	}

	srv, err := server.New(cfg, logger, &server.Deps{
		Gateway:         gateway,
		PaymentsHandler: payments.NewHandler(reconciler, cfg.Payments.SigningSecret, logger),
		Sweeper:         sweeper,
		Ledger:          ledger,
		Memberships:     driver,
		Creators:        driver,
		Admin:           admin,
		Counter:         cacheInstance,
		ACME:            acme,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Point the bot's webhook at us. A failure here is not fatal: updates
	// stop flowing but the sweep and payment paths still work, and the
	// webhook may already be registered from a previous run.
	if cfg.Telegram.BotToken != "" && cfg.ExternalOrigin != "" {
		webhookURL := cfg.ExternalOrigin + "/webhooks/telegram"
		if err := botClient.RegisterWebhook(ctx, webhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Warn("webhook registration failed", "url", webhookURL, "error", err)
		} else {
			logger.Info("webhook registered", "url", webhookURL)
		}
	}

	go sweeper.Run(ctx)

	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
