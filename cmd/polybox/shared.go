package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/monitor"
	"github.com/jkaninda/polybox/internal/notification"
	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/provider"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/server"
	"github.com/jkaninda/polybox/internal/storage"
	pgstore "github.com/jkaninda/polybox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/polybox/internal/storage/sqlite"
)

var (
	configPath string
	logLevel   string
)

// alertTimeout bounds the delivery of one anomaly alert.
const alertTimeout = 15 * time.Second

// App holds the subsystems every command works with. Built once by initApp,
// torn down by Cleanup.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Obs      *observability.Observability // nil = observability disabled.
	Registry *server.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanups) - 1; i >= 0; i-- {
		app.cleanups[i]()
	}
}

func (app *App) addCleanup(fn func()) {
	app.cleanups = append(app.cleanups, fn)
}

// resolveConfigPath picks the --config flag, then POLYBOX_CONFIG, then the
// default path when that file exists. Empty means built-in defaults.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	fallback := ""
	if p := config.DefaultConfigPath(); fileExists(p) {
		fallback = p
	}
	return goutils.Env("POLYBOX_CONFIG", fallback)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the slog handler described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initApp performs the initialization shared by the server and the local
// commands. Callers must call app.Cleanup() when done.
func initApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, cfg.Provider.Name(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	app.Obs = obs
	app.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Store = store
	app.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox registry.
	factory := provider.NewFactory(cfg.Provider, logger)
	app.Registry = server.NewRegistry(factory, store, obs, cfg.Adapter, logger)
	app.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Registry.Close(closeCtx); err != nil {
			logger.Warn("releasing sandboxes", slog.String("error", err.Error()))
		}
	})

	if obs != nil && obs.Health != nil {
		registerHealthChecks(obs.Health, cfg.Observability.Health, store, app.Registry, obs.Anomaly)
	}
	return app, nil
}

// registerHealthChecks wires readiness checks for the configured dependencies.
func registerHealthChecks(h *observability.HealthChecker, cfg *config.HealthConfig, store storage.Store, reg *server.Registry, det *observability.AnomalyDetector) {
	if cfg == nil {
		return
	}
	if cfg.IncludeDB {
		h.AddCheck("database", store.Ping)
	}
	if cfg.IncludeSandboxes {
		h.AddCheck("sandboxes", func(_ context.Context) error {
			var failed []string
			for _, a := range reg.List() {
				if a.Status().State == sandbox.StateError {
					failed = append(failed, a.ID())
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("sandboxes in error state: %s", strings.Join(failed, ", "))
			}
			return nil
		})
	}
	if cfg.IncludeAnomalies && det != nil {
		h.AddCheck("anomalies", func(_ context.Context) error {
			flagged := det.Flagged()
			if len(flagged) == 0 {
				return nil
			}
			ops := make([]string, 0, len(flagged))
			for op := range flagged {
				rate, n := det.ErrorRate(op)
				ops = append(ops, fmt.Sprintf("%s (%.0f%% of %d)", op, rate*100, n))
			}
			slices.Sort(ops)
			return fmt.Errorf("high error rate: %s", strings.Join(ops, ", "))
		})
	}
}

// alertOnAnomaly forwards error rate spikes to n. The detector runs the
// callback under its lock, so delivery happens on its own goroutine.
func alertOnAnomaly(det *observability.AnomalyDetector, n monitor.Notifier, provider string, logger *slog.Logger) {
	det.OnAnomaly(func(operation string, rate float64) {
		msg := &notification.Message{
			Subject: fmt.Sprintf("high error rate on %s", operation),
			Body: fmt.Sprintf("%.0f%% of %s calls failed within the anomaly window.",
				rate*100, operation),
			Metadata: map[string]string{
				"operation":  operation,
				"error_rate": fmt.Sprintf("%.2f", rate),
				"provider":   provider,
			},
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
			defer cancel()
			if err := n.Notify(ctx, msg); err != nil {
				logger.Warn("anomaly alert failed",
					slog.String("operation", operation),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

// initStore creates the storage backend selected in config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN is required (set storage.postgres.dsn or POLYBOX_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
		pgCfg.ConnectTimeout = time.Duration(p.ConnectTimeoutS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// setup loads config and builds the App for a local command.
func setup() (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initApp(cfg, newLogger(cfg.Log, os.Stderr))
}

// withSandbox runs fn against the recorded sandbox id, or against a
// throwaway sandbox that is deleted afterwards when id is empty.
func withSandbox(ctx context.Context, app *App, id string, fn func(a *sandbox.Adapter) error) error {
	if id != "" {
		if _, err := app.Registry.Restore(ctx); err != nil {
			return err
		}
		a, err := app.Registry.Get(id)
		if err != nil {
			return err
		}
		return fn(a)
	}

	a, err := app.Registry.Create(ctx, server.CreateRequest{WaitReady: true})
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	defer func() {
		if err := app.Registry.Delete(context.WithoutCancel(ctx), a.ID()); err != nil {
			app.Logger.Warn("deleting throwaway sandbox",
				slog.String("sandbox_id", a.ID()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return fn(a)
}
