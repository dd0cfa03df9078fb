// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for polybox.
// All components are optional and nil-safe: when disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/sandbox"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config. provider names the
// default sandbox provider recorded on traces.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, provider string, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	// Metrics.
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	// Tracing.
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, provider)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Anomaly detection.
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Health checker (always created, checks added by the caller).
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AdapterOptions returns the sandbox adapter options that instrument one
// sandbox: an operation observer, a command executor wrapper and a status
// listener. A nil Observability yields no options.
func (o *Observability) AdapterOptions(provider string) []sandbox.Option {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return nil
	}
	return []sandbox.Option{
		sandbox.WithObserver(NewAdapterObserver(o.Metrics, o.Tracer, o.Anomaly)),
		sandbox.WithExecutorMiddleware(InstrumentExecutor(provider, o.Metrics, o.Tracer, o.Anomaly)),
		sandbox.WithStatusListener(StatusListener(provider, o.Metrics)),
	}
}
