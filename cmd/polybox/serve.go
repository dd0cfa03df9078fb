package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/monitor"
	"github.com/jkaninda/polybox/internal/notification"
	"github.com/jkaninda/polybox/internal/ratelimit"
	"github.com/jkaninda/polybox/internal/server"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, health monitor and sandbox registry",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `polybox --port :9000` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts polybox in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	logger := newLogger(cfg.Log, os.Stderr)
	logger.Info("starting polybox",
		slog.String("version", version),
		slog.String("provider", cfg.Provider.Name()),
		slog.String("storage", cfg.StorageDriverName()),
	)

	app, err := initApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reattach to sandboxes created by an earlier run.
	if _, err := app.Registry.Restore(ctx); err != nil {
		return err
	}

	var alerts *notification.Dispatcher
	if cfg.Monitor != nil {
		alerts = newDispatcher(cfg.Monitor.Notify, logger)
	}
	if alerts != nil && alerts.Len() > 0 && app.Obs != nil && app.Obs.Anomaly != nil {
		alertOnAnomaly(app.Obs.Anomaly, alerts, cfg.Provider.Name(), logger)
		logger.Info("anomaly alerts enabled", slog.Int("channels", alerts.Len()))
	}

	// Health monitor (optional).
	if cfg.Monitor != nil && cfg.Monitor.Enabled {
		mon := monitor.New(app.Registry, app.Store, app.Obs.MetricsOrNil(), cfg.Monitor, logger)
		if alerts.Len() > 0 {
			mon.SetNotifier(alerts)
			logger.Info("monitor alerts enabled", slog.Int("channels", alerts.Len()))
		}
		stopMonitor, err := mon.Start(ctx)
		if err != nil {
			return err
		}
		defer stopMonitor()
	}

	srv := server.New(server.Config{
		ListenAddr:     cfg.Server.Addr(),
		APIKeys:        cfg.Server.APIKeys,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		EnableDocs:     cfg.Server.EnableDocs,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		},
	}, app.Registry, app.Obs, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown", slog.String("error", err.Error()))
	}
	logger.Info("polybox stopped")
	return nil
}

// newDispatcher registers a sender per configured alert channel.
func newDispatcher(cfg *config.NotifyConfig, logger *slog.Logger) *notification.Dispatcher {
	d := notification.NewDispatcher(logger)
	if cfg == nil {
		return d
	}
	for _, w := range cfg.Webhooks {
		d.RegisterSender(notification.NewWebhookSender(w.Name, w.URL, w.AllowPrivate))
	}
	if sl := cfg.Slack; sl != nil {
		d.RegisterSender(notification.NewSlackSender("slack", sl.BotToken, sl.ChannelID))
	}
	return d
}
