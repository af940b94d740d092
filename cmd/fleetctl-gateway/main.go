// ABOUTME: fleetctl-gateway entrypoint: wires Store, Bus, Timer Service, Alert Engine, Lifecycle Manager, Webhook Ingest, and the API Adapter.
// ABOUTME: Grounded on the teacher's command-dispatch + signal.NotifyContext shutdown idiom; paths come from the env-driven config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/fleetctl/fleetctl-gateway/internal/alert"
	"github.com/fleetctl/fleetctl-gateway/internal/api"
	"github.com/fleetctl/fleetctl-gateway/internal/auth"
	"github.com/fleetctl/fleetctl-gateway/internal/bus"
	"github.com/fleetctl/fleetctl-gateway/internal/config"
	"github.com/fleetctl/fleetctl-gateway/internal/crypto"
	"github.com/fleetctl/fleetctl-gateway/internal/lifecycle"
	"github.com/fleetctl/fleetctl-gateway/internal/scanner"
	"github.com/fleetctl/fleetctl-gateway/internal/store"
	"github.com/fleetctl/fleetctl-gateway/internal/timer"
	"github.com/fleetctl/fleetctl-gateway/internal/webhook"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "init":
		err = runInit()
	case "health":
		err = runHealth()
	default:
		err = fmt.Errorf("unknown command %q (want serve, init, or health)", cmd)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("fleetctl-gateway: %v", err))
		os.Exit(1)
	}
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runServe boots the full control plane and serves until interrupted.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := filepath.Join(cfg.DataDir, "fleetctl.db")
	firstBoot := true
	if _, statErr := os.Stat(dbPath); statErr == nil {
		firstBoot = false
	}

	sealer, err := crypto.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening message encryption key: %w", err)
	}

	st, err := store.NewSQLiteStore(dbPath, sealer, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.SeedDefaultAlertRules(ctx); err != nil {
		return fmt.Errorf("seeding default alert rules: %w", err)
	}
	if firstBoot {
		seed := store.SleepSchedule{
			Enabled:   cfg.SleepSchedule.Enabled,
			StartHour: cfg.SleepSchedule.StartHour,
			EndHour:   cfg.SleepSchedule.EndHour,
			Timezone:  cfg.SleepSchedule.Timezone,
		}
		if err := st.SetSleepSchedule(ctx, &seed); err != nil {
			return fmt.Errorf("seeding sleep schedule: %w", err)
		}
	}

	b := bus.New(logger)
	timers := timer.New()
	alertEngine := alert.New(st, b, timers, logger)
	lifecycleMgr := lifecycle.New(st, b, alertEngine, timers, logger)
	webhookIngest := webhook.New(st, lifecycleMgr, cfg.LinearWebhookSecret, logger)

	if err := lifecycleMgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling lifecycle state: %w", err)
	}

	staleScanner := scanner.New(st, alertEngine, lifecycleMgr, logger)
	if err := staleScanner.Start(); err != nil {
		return fmt.Errorf("starting stale task scanner: %w", err)
	}
	defer staleScanner.Stop()

	apiServer := api.New(st, lifecycleMgr, b, webhookIngest, logger)
	limiter := auth.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	authMW := auth.New(cfg.DashboardAPIKey, cfg.AllowedOrigins, limiter, logger)

	handler := withAuthExceptHealthz(authMW, apiServer)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}

	printBanner(cfg)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}

	return nil
}

// withAuthExceptHealthz applies the auth/CORS/rate-limit chain to every
// route except /healthz, which must stay reachable without credentials for
// orchestrator liveness probes.
func withAuthExceptHealthz(mw *auth.Middleware, next http.Handler) http.Handler {
	protected := mw.CORS(mw.RateLimit(mw.RequireBearer(next)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

func printBanner(cfg *config.Config) {
	color.Cyan("fleetctl-gateway")
	fmt.Printf("  listening on %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  data dir:    %s\n", cfg.DataDir)
	color.Green("  ready")
}

// runInit creates the data directory and its message-encryption key without
// starting the server, for first-time setup scripts.
func runInit() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if _, err := crypto.Open(cfg.DataDir); err != nil {
		return fmt.Errorf("initializing message encryption key: %w", err)
	}
	color.Green("initialized data directory at %s", cfg.DataDir)
	return nil
}

// runHealth performs a one-shot HTTP health check against a running
// instance, for use in deployment health probes.
func runHealth() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	url := fmt.Sprintf("http://%s:%d/healthz", cfg.Host, cfg.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	color.Green("healthy")
	return nil
}
