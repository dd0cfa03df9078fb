// Package monitor runs scheduled health sweeps over live sandboxes.
// Each sweep pings every running sandbox, publishes up and resource gauges,
// moves sandboxes that stopped answering to the error state and brings
// errored sandboxes that answer again back to running. Both transitions can
// be reported to a Notifier.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/notification"
	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/sandbox"
)

// maxParallelPings bounds concurrent pings within one sweep.
const maxParallelPings = 8

// Lister returns the sandboxes to check.
type Lister interface {
	List() []*sandbox.Adapter
}

// StatusStore persists status changes made by the monitor.
type StatusStore interface {
	UpdateStatus(ctx context.Context, id string, status sandbox.Status) error
}

// Notifier receives alerts for sandboxes that failed or recovered.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) error
}

// Result is the outcome of one sandbox check.
type Result string

const (
	ResultUp      Result = "up"
	ResultDown    Result = "down"
	ResultSkipped Result = "skipped"
)

// Report summarizes one sweep.
type Report struct {
	Checked int
	Up      int
	Down    int
	Skipped int
	// Failed lists sandboxes moved to the error state by this sweep.
	Failed []string
	// Recovered lists errored sandboxes that answered again and are running.
	Recovered []string
}

// Monitor pings registered sandboxes on a cron schedule.
type Monitor struct {
	sandboxes Lister
	store     StatusStore
	metrics   *observability.MetricsCollector
	notifier  Notifier
	cfg       *config.MonitorConfig
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.Mutex // held for the duration of a sweep
}

// New creates a Monitor. store and metrics may be nil.
func New(sandboxes Lister, store StatusStore, metrics *observability.MetricsCollector, cfg *config.MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		sandboxes: sandboxes,
		store:     store,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetNotifier installs n to be alerted on state changes. Call before Start.
func (m *Monitor) SetNotifier(n Notifier) {
	m.notifier = n
}

// Start schedules sweeps and returns a stop function that waits for a
// running sweep to finish.
func (m *Monitor) Start(ctx context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil, fmt.Errorf("monitor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	spec := m.cfg.ScheduleSpec()
	if _, err := c.AddFunc(spec, func() { m.tick(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", spec, err)
	}
	c.Start()
	m.cron = c

	m.logger.Info("sandbox monitor started",
		slog.String("schedule", spec),
		slog.Duration("ping_timeout", m.cfg.PingTimeout()),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		m.mu.Lock()
		m.cron = nil
		m.mu.Unlock()
		m.logger.Info("sandbox monitor stopped")
	}, nil
}

// tick skips a sweep when the previous one is still running.
func (m *Monitor) tick(ctx context.Context) {
	if !m.running.TryLock() {
		m.logger.Warn("previous monitor sweep still running, skipping")
		return
	}
	defer m.running.Unlock()
	report := m.sweep(ctx)
	m.logger.Debug("monitor sweep finished",
		slog.Int("checked", report.Checked),
		slog.Int("up", report.Up),
		slog.Int("down", report.Down),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failed)),
		slog.Int("recovered", len(report.Recovered)),
	)
}

// Sweep checks every sandbox once.
func (m *Monitor) Sweep(ctx context.Context) Report {
	m.running.Lock()
	defer m.running.Unlock()
	return m.sweep(ctx)
}

func (m *Monitor) sweep(ctx context.Context) Report {
	start := time.Now()
	adapters := m.sandboxes.List()
	outcomes := make([]outcome, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPings)
	for i, a := range adapters {
		g.Go(func() error {
			outcomes[i] = m.check(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	var report Report
	for i, o := range outcomes {
		switch o.result {
		case ResultUp:
			report.Up++
		case ResultDown:
			report.Down++
		case ResultSkipped:
			report.Skipped++
			continue
		}
		report.Checked++
		if o.changed {
			a := adapters[i]
			if o.result == ResultUp {
				report.Recovered = append(report.Recovered, a.ID())
			} else {
				report.Failed = append(report.Failed, a.ID())
			}
			m.notify(ctx, a, o.result)
		}
	}

	if m.metrics != nil {
		m.metrics.MonitorCheckDurations.Observe(time.Since(start).Seconds())
	}
	return report
}

type outcome struct {
	result  Result
	changed bool // the check moved the sandbox to a new state
}

// check pings one sandbox. Running sandboxes get a single ping; errored
// sandboxes get a readiness wait, which brings them back to running when
// they answer. Other states are not expected to answer.
func (m *Monitor) check(ctx context.Context, a *sandbox.Adapter) outcome {
	timeout := m.cfg.PingTimeout()
	prev := a.Status().State
	var ok bool
	switch prev {
	case sandbox.StateRunning:
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		ok = a.Ping(pingCtx)
		cancel()
	case sandbox.StateError:
		ok = a.WaitUntilReady(ctx, timeout) == nil
	default:
		m.count(ResultSkipped)
		return outcome{result: ResultSkipped}
	}

	if m.metrics != nil {
		up := 0.0
		if ok {
			up = 1
		}
		m.metrics.SandboxUp.WithLabelValues(a.ID(), a.Provider()).Set(up)
	}

	if !ok {
		m.count(ResultDown)
		if prev != sandbox.StateRunning {
			return outcome{result: ResultDown}
		}
		return outcome{result: ResultDown, changed: m.markError(ctx, a)}
	}

	m.count(ResultUp)
	changed := prev == sandbox.StateError && a.Status().State == sandbox.StateRunning
	if changed {
		m.logger.Info("sandbox recovered",
			slog.String("sandbox_id", a.ID()),
			slog.String("provider", a.Provider()),
		)
		m.persist(ctx, a)
	}
	if m.cfg != nil && m.cfg.CollectMetrics {
		m.sample(ctx, a)
	}
	return outcome{result: ResultUp, changed: changed}
}

// markError reports whether the sandbox moved to the error state.
func (m *Monitor) markError(ctx context.Context, a *sandbox.Adapter) bool {
	reason := "health check failed: sandbox did not answer ping"
	if err := a.MarkError(reason); err != nil {
		// Lost a race with a lifecycle call; its state wins.
		m.logger.Debug("not marking sandbox as failed",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
		return false
	}
	m.logger.Warn("sandbox failed health check",
		slog.String("sandbox_id", a.ID()),
		slog.String("provider", a.Provider()),
	)
	m.persist(ctx, a)
	return true
}

func (m *Monitor) persist(ctx context.Context, a *sandbox.Adapter) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateStatus(ctx, a.ID(), a.Status()); err != nil {
		m.logger.Error("persisting sandbox status",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) sample(ctx context.Context, a *sandbox.Adapter) {
	if m.metrics == nil || a.Resolution(sandbox.CapGetMetrics) == sandbox.Unsupported {
		return
	}
	sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout())
	defer cancel()
	metrics, err := a.GetMetrics(sampleCtx)
	if err != nil {
		m.logger.Debug("sampling sandbox metrics",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.metrics.SandboxCPUUsage.WithLabelValues(a.ID()).Set(metrics.CPUUsedPercentage)
	m.metrics.SandboxMemoryUsedMiB.WithLabelValues(a.ID()).Set(float64(metrics.MemoryUsedMiB))
}

func (m *Monitor) notify(ctx context.Context, a *sandbox.Adapter, r Result) {
	if m.notifier == nil {
		return
	}
	status := a.Status()
	msg := &notification.Message{
		Subject: fmt.Sprintf("sandbox %s recovered", a.ID()),
		Body:    fmt.Sprintf("Sandbox %s (%s) answers again and is %s.", a.ID(), a.Provider(), status.State),
		Metadata: map[string]string{
			"sandbox_id": a.ID(),
			"provider":   a.Provider(),
			"status":     string(status.State),
		},
	}
	if r == ResultDown {
		msg.Subject = fmt.Sprintf("sandbox %s failed health check", a.ID())
		msg.Body = fmt.Sprintf("Sandbox %s (%s) stopped answering: %s", a.ID(), a.Provider(), status.Reason)
	}
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Warn("sending monitor alert",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) count(r Result) {
	if m.metrics != nil {
		m.metrics.MonitorChecksTotal.WithLabelValues(string(r)).Inc()
	}
}
