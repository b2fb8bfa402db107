// Package main is the entry point for the access engine server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/api"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/ingestion"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/notify"
	"github.com/guest-lock-manager/access-engine/internal/provider"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/sweeper"
	"github.com/guest-lock-manager/access-engine/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		addr        string
		dataDir     string
		logLevel    string
		healthCheck bool
	)
	flagSet := pflag.NewFlagSet("access-engine", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("ENGINE_CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&addr, "addr", "", "HTTP listen address (default :8099)")
	flagSet.StringVar(&dataDir, "data", "", "directory for the SQLite database (default /data)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&healthCheck, "health-check", false, "query the running server's health endpoint and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env file is normal in production.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Health check mode for Docker HEALTHCHECK
	if healthCheck {
		return runHealthCheck(cfg.Server.Addr)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	logger := logging.New(cfg.Log)
	logger.WithField("version", version).Info("Starting access engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := storage.NewDB(filepath.Join(cfg.Server.DataDir, "access-engine.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bookingRepo := storage.NewBookingRepository(db)
	codeRepo := storage.NewAccessCodeRepository(db)
	lockRepo := storage.NewLockRepository(db)
	activityRepo := storage.NewActivityRepository(db)
	notificationRepo := storage.NewNotificationRepository(db)

	if err := lockRepo.Sync(ctx, configuredLocks(cfg)); err != nil {
		return fmt.Errorf("syncing locks: %w", err)
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	recorder := activity.NewRecorder(activityRepo, hub, logger)

	// Provider adapters, each behind a timeout and circuit breaker
	pins := provider.NewPINGenerator(cfg.Codes.MinLength, cfg.Codes.MaxLength)
	homeAssistant := provider.NewHomeAssistant(cfg.Providers.HomeAssistant, codeRepo, pins)
	ring := provider.NewRing(cfg.Providers.Ring, homeAssistant)

	registry := provider.NewRegistry()
	registry.Register(models.ProviderTuya, provider.NewGuard(provider.NewTuya(cfg.Providers.Tuya, codeRepo, pins), cfg.Providers, logger))
	registry.Register(models.ProviderRing, provider.NewGuard(ring, cfg.Providers, logger))
	registry.Register(models.ProviderHomeAssistant, provider.NewGuard(homeAssistant, cfg.Providers, logger))

	manager := lifecycle.NewManager(bookingRepo, codeRepo, lockRepo, registry, recorder, cfg, logger)

	secret := cfg.GuestToken.Secret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("JWT_SECRET is not set; guest links will stop working after a restart")
	}
	tokens, err := guesttoken.New(secret, cfg.GuestToken.PortalBaseURL, bookingRepo)
	if err != nil {
		return err
	}

	var mailer notify.Mailer
	if cfg.SMTP.Enabled() {
		mailer = notify.NewSMTPMailer(cfg.SMTP)
	} else {
		logger.Info("SMTP is not configured; welcome emails are disabled")
	}
	notifier := notify.NewService(bookingRepo, manager, tokens, notificationRepo, mailer, recorder, cfg, logger)

	ingest := ingestion.NewService(bookingRepo, manager, notifier, recorder, cfg, logger)

	sweep := sweeper.New(manager, codeRepo, bookingRepo, lockRepo, registry, recorder, cfg, logger)
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	if cfg.Lodgify.APIKey != "" {
		poller := ingestion.NewPoller(ingest, ingestion.NewLodgifyClient(cfg.Lodgify.BaseURL, cfg.Lodgify.APIKey, nil), cfg, logger)
		if err := poller.Start(); err != nil {
			return err
		}
		defer poller.Stop()
	}

	router := api.NewRouter(api.Services{
		DB:            db,
		Hub:           hub,
		Bookings:      bookingRepo,
		Codes:         codeRepo,
		Locks:         lockRepo,
		Activity:      activityRepo,
		Notifications: notificationRepo,
		Recorder:      recorder,
		Manager:       manager,
		Ingestion:     ingest,
		Notifier:      notifier,
		Tokens:        tokens,
		Sweeper:       sweep,
		Intercom:      ring,
		HomeAssistant: homeAssistant,
	}, cfg, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("Server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// configuredLocks flattens the per-property lock lists.
func configuredLocks(cfg config.Config) []models.Lock {
	var locks []models.Lock
	for _, p := range cfg.Properties {
		for _, l := range p.Locks {
			locks = append(locks, models.Lock{
				ID:           l.ID,
				Provider:     models.LockProvider(l.Provider),
				DeviceID:     l.DeviceID,
				PropertyID:   p.ID,
				NameIT:       l.NameIT,
				NameEN:       l.NameEN,
				DisplayOrder: l.DisplayOrder,
				Active:       l.IsActive(),
			})
		}
	}
	return locks
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}
