package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// --- AdapterObserver ---

// AdapterObserver records metrics, spans and anomaly samples for every
// adapter operation.
type AdapterObserver struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

var _ sandbox.Observer = (*AdapterObserver)(nil)

// NewAdapterObserver builds an observer; any component may be nil.
func NewAdapterObserver(metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *AdapterObserver {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &AdapterObserver{metrics: metrics, tracer: tracer, anomaly: anomaly}
}

// Begin implements sandbox.Observer.
func (o *AdapterObserver) Begin(ctx context.Context, provider string, op sandbox.Capability, res sandbox.Resolution) (context.Context, func(error)) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "sandbox."+string(op),
			trace.WithAttributes(operationAttributes(provider, op, res)...))
	}

	start := time.Now()
	return ctx, func(err error) {
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = string(sandboxerr.KindOf(err))
			if status == "" {
				status = "error"
			}
		}

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if o.metrics != nil {
			o.metrics.AdapterOperationsTotal.WithLabelValues(provider, string(op), string(res), status).Inc()
			o.metrics.AdapterOperationDuration.WithLabelValues(provider, string(op), string(res)).Observe(duration)
		}

		// Unsupported calls are caller mistakes, not provider health.
		if o.anomaly != nil && res != sandbox.Unsupported {
			key := provider + "." + string(op)
			if err != nil {
				o.anomaly.RecordError(key)
			} else {
				o.anomaly.RecordSuccess(key)
			}
		}
	}
}

// --- Executor instrumentation ---

// InstrumentExecutor returns executor middleware that measures every command
// sent through the execution primitive, including polyfill commands.
func InstrumentExecutor(provider string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) func(sandbox.Executor) sandbox.Executor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return func(next sandbox.Executor) sandbox.Executor {
		return sandbox.ExecutorFunc(func(ctx context.Context, command string, opts sandbox.ExecuteOptions) (*sandbox.ExecuteResult, error) {
			if tracer != nil {
				var span trace.Span
				ctx, span = tracer.Start(ctx, "sandbox.command",
					trace.WithAttributes(commandAttributes(provider, command)...))
				defer span.End()
			}

			start := time.Now()
			result, err := next.Execute(ctx, command, opts)
			duration := time.Since(start).Seconds()

			status := "success"
			if err != nil {
				status = "error"
				if tracer != nil {
					span := trace.SpanFromContext(ctx)
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
			} else if result != nil && result.ExitCode != 0 {
				status = "nonzero_exit"
				if tracer != nil {
					span := trace.SpanFromContext(ctx)
					span.SetAttributes(ExitCodeKey.Int(result.ExitCode))
				}
			}

			if metrics != nil {
				metrics.CommandExecutionsTotal.WithLabelValues(provider, status).Inc()
				metrics.CommandExecutionDuration.WithLabelValues(provider).Observe(duration)
				if result != nil && result.Truncated {
					metrics.CommandOutputTruncated.WithLabelValues(provider).Inc()
				}
			}

			if anomaly != nil {
				if err != nil {
					anomaly.RecordError("command_" + provider)
				} else {
					anomaly.RecordSuccess("command_" + provider)
				}
			}

			return result, err
		})
	}
}

// --- Status transitions ---

// StatusListener counts status transitions and tracks live sandboxes.
func StatusListener(provider string, metrics *MetricsCollector) sandbox.StatusListener {
	return func(id string, status sandbox.Status) {
		if metrics == nil {
			return
		}
		metrics.StatusTransitionsTotal.WithLabelValues(provider, string(status.State)).Inc()
		if status.State == sandbox.StateDeleted {
			metrics.ForgetSandbox(id, provider)
		}
	}
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
