// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/sessionguard/internal/api"
	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/database"
	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/emby"
	"github.com/tomtom215/sessionguard/internal/geo"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/metrics"
	"github.com/tomtom215/sessionguard/internal/monitor"
	"github.com/tomtom215/sessionguard/internal/supervisor"
	"github.com/tomtom215/sessionguard/internal/supervisor/services"
	ws "github.com/tomtom215/sessionguard/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Sessionguard stopped with error")
		os.Exit(1)
	}
}

//nolint:gocyclo // Sequential setup steps
func run() error {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("emby_url", cfg.Emby.URL).
		Dur("poll_interval", cfg.Monitor.PollInterval).
		Int("alert_threshold", cfg.Detection.AlertThreshold).
		Bool("auto_disable", cfg.Detection.AutoDisable).
		Int("whitelisted", len(cfg.Detection.Whitelist)).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Sessionguard")

	if !cfg.Detection.Enabled {
		logging.Warn().Msg("Detection is disabled: sessions are recorded but no account will be alerted or disabled")
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	store := detection.NewDuckDBStore(db.Conn())
	if err := store.InitSchema(startupCtx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	tracker := detection.NewTracker(detection.TrackerConfig{
		Threshold:  cfg.Detection.AlertThreshold,
		ResetGrace: cfg.Detection.EpochResetGrace,
	})
	states, err := store.LoadState(startupCtx)
	if err != nil {
		return fmt.Errorf("failed to restore account state: %w", err)
	}
	tracker.Restore(states)
	metrics.SetTrackedAccounts(tracker.CountByState())
	logging.Info().Int("accounts", len(states)).Msg("Account state restored")

	// Circuit breaker keeps an unreachable Emby server from stalling every cycle
	embyClient := emby.NewCircuitBreakerClient(emby.NewClient(&cfg.Emby), emby.BreakerSettings{})
	if err := embyClient.Ping(startupCtx); err != nil {
		logging.Warn().Err(err).Msg("Failed to reach Emby (will retry every cycle)")
	} else {
		logging.Info().Msg("Connected to Emby")
	}
	cancelStartup()

	var locator monitor.Locator
	if cfg.GeoIP.Enabled {
		locator = geo.NewResolverFromConfig(&cfg.GeoIP)
		logging.Info().Strs("providers", cfg.GeoIP.Providers).Msg("GeoIP annotation enabled")
	}

	natsNotifier := detection.NewNATSNotifier(cfg.Notifications.NATS)
	notifiers := []detection.Notifier{
		detection.NewWebhookNotifier(cfg.Notifications.Webhook),
		detection.NewDiscordNotifier(cfg.Notifications.Discord),
		natsNotifier,
	}

	// The live event stream only exists alongside the admin API
	var hub *ws.Hub
	deps := monitor.Deps{
		Source:  embyClient,
		Store:   store,
		Tracker: tracker,
		Policy:  detection.NewPolicyFromConfig(&cfg.Detection),
		Locator: locator,
		Enabler: embyClient,
	}
	if cfg.Server.Enabled {
		hub = ws.NewHub()
		notifiers = append(notifiers, hub)
		deps.Events = hub
	}

	executor := detection.NewExecutor(store, embyClient, detection.WithNotifiers(notifiers...))
	deps.Executor = executor
	mon := monitor.New(deps, monitor.ConfigFrom(cfg))

	// Supervisor events are bridged to zerolog through slog
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})

	tree.AddDataService(services.NewCheckpointService(db, 15*time.Minute))
	tree.AddDetectionService(services.NewMonitorService(mon))
	if natsNotifier.Enabled() {
		tree.AddDetectionService(services.NewCloserService("nats-publisher", natsNotifier))
	}

	if cfg.Server.Enabled {
		handler := api.NewHandler(mon, store, db)
		handler.EnableEvents(hub, cfg.Server.CORSOrigins)
		middleware := api.NewMiddleware(api.MiddlewareConfigFrom(&cfg.Server))
		if cfg.Server.APIToken == "" {
			logging.Warn().Msg("SERVER API TOKEN IS EMPTY: admin endpoints are unauthenticated")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           api.NewRouter(handler, middleware),
			ReadHeaderTimeout: 10 * time.Second,
			// Reset requests wait for the poll loop
			WriteTimeout: 45 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		tree.AddAPIService(services.NewWebSocketHubService(hub))
		tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", server.Addr).Msg("Admin API enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Supervisor tree starting")
	err = tree.Serve(ctx)
	stop()

	report, reportErr := tree.UnstoppedServiceReport()
	if reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	// Notifications run detached from the cycle that raised them
	executor.Wait()
	logging.Info().Msg("Sessionguard stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree failed: %w", err)
	}
	return nil
}
