package sandbox

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

const defaultPollInterval = time.Second

// Observer is notified around every adapter operation. The returned function
// is called exactly once with the operation's final error.
type Observer interface {
	Begin(ctx context.Context, provider string, op Capability, res Resolution) (context.Context, func(err error))
}

type noopObserver struct{}

func (noopObserver) Begin(ctx context.Context, _ string, _ Capability, _ Resolution) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// StatusListener receives every status change of an adapter.
type StatusListener func(id string, status Status)

type options struct {
	id           string
	logger       *slog.Logger
	polyfill     bool
	pollInterval time.Duration
	chunkSize    int64
	observer     Observer
	middleware   []func(Executor) Executor
	listeners    []StatusListener
	initial      *Status
}

// Option configures an Adapter.
type Option func(*options)

// WithID sets the sandbox id. Without it a random id is generated; a native
// Create may replace it.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithoutPolyfill disables the command polyfill: capabilities the provider
// does not implement natively become unsupported.
func WithoutPolyfill() Option {
	return func(o *options) { o.polyfill = false }
}

// WithPollInterval sets the WaitUntilReady ping interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithChunkSize sets the ReadStream window of the polyfill.
func WithChunkSize(n int64) Option {
	return func(o *options) { o.chunkSize = n }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithExecutorMiddleware wraps the execution primitive. Middlewares apply in
// order, the first one being outermost.
func WithExecutorMiddleware(mw func(Executor) Executor) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw) }
}

func WithStatusListener(l StatusListener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithInitialStatus starts the adapter in a state other than Creating, for
// example when attaching to a sandbox that already runs.
func WithInitialStatus(s Status) Option {
	return func(o *options) { o.initial = &s }
}

// Adapter presents one uniform surface over a provider. Each capability is
// resolved once at construction to the provider's native implementation, the
// polyfill, or nothing.
//
// The status is the only mutable state shared between goroutines. Lifecycle
// operations of a single adapter are expected to come from one owner.
type Adapter struct {
	id        string
	provider  Provider
	exec      Executor
	polyfill  *Polyfill
	caps      CapabilityTable
	status    atomic.Pointer[Status]
	logger    *slog.Logger
	base      *slog.Logger // logger before the sandbox attributes are bound
	observer  Observer
	poll      time.Duration
	listeners []StatusListener

	createdAt time.Time
	createCfg CreateConfig
	expiresAt *time.Time

	creator  Creator
	starter  Starter
	stopper  Stopper
	pauser   Pauser
	resumer  Resumer
	deleter  Deleter
	info     InfoGetter
	renewer  ExpirationRenewer
	closer   Closer
	streamer StreamExecutor
	bg       BackgroundExecutor
	intr     Interrupter
	reader   FileReader
	fstream  FileStreamer
	writer   FileWriter
	fdeleter FileDeleter
	mover    FileMover
	replacer ContentReplacer
	inspect  FileInspector
	lister   DirectoryLister
	mkdirs   DirectoryCreator
	rmdirs   DirectoryDeleter
	perms    PermissionSetter
	searcher Searcher
	pinger   Pinger
	metrics  MetricsReporter
}

// New builds an adapter around provider.
func New(provider Provider, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, sandboxerr.InvalidArgument("provider must not be nil")
	}
	o := options{polyfill: true, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	var exec Executor = provider
	for i := len(o.middleware) - 1; i >= 0; i-- {
		exec = o.middleware[i](exec)
	}

	a := &Adapter{
		id:        o.id,
		provider:  provider,
		exec:      exec,
		base:      o.logger,
		observer:  o.observer,
		poll:      o.pollInterval,
		listeners: o.listeners,
		createdAt: time.Now(),
	}
	a.bindLogger()
	if o.polyfill {
		a.polyfill = NewPolyfill(exec, provider.Name(), a.logger)
		a.polyfill.SetChunkSize(o.chunkSize)
	}

	initial := Status{State: StateCreating}
	if o.initial != nil {
		initial = *o.initial
	}
	a.status.Store(&initial)
	a.resolve()

	a.logger.Debug("sandbox adapter ready",
		slog.Int("native", a.count(Native)),
		slog.Int("polyfilled", a.count(Polyfilled)),
		slog.Int("unsupported", a.count(Unsupported)),
	)
	return a, nil
}

// resolve fills the capability table. It runs once.
func (a *Adapter) resolve() {
	t := CapabilityTable{CapExecute: Native}
	p, poly := a.provider, a.polyfill

	a.creator, t[CapCreate] = pick[Creator](p, poly)
	a.starter, t[CapStart] = pick[Starter](p, poly)
	a.stopper, t[CapStop] = pick[Stopper](p, poly)
	a.pauser, t[CapPause] = pick[Pauser](p, poly)
	a.resumer, t[CapResume] = pick[Resumer](p, poly)
	a.deleter, t[CapDelete] = pick[Deleter](p, poly)
	a.info, t[CapGetInfo] = pick[InfoGetter](p, poly)
	a.renewer, t[CapRenewExpiration] = pick[ExpirationRenewer](p, poly)
	a.closer, _ = pick[Closer](p, poly)
	a.streamer, t[CapExecuteStream] = pick[StreamExecutor](p, poly)
	a.bg, t[CapExecuteBackground] = pick[BackgroundExecutor](p, poly)
	a.intr, t[CapInterrupt] = pick[Interrupter](p, poly)
	a.reader, t[CapReadFiles] = pick[FileReader](p, poly)
	a.fstream, t[CapReadStream] = pick[FileStreamer](p, poly)
	a.writer, t[CapWriteFiles] = pick[FileWriter](p, poly)
	a.fdeleter, t[CapDeleteFiles] = pick[FileDeleter](p, poly)
	a.mover, t[CapMoveFiles] = pick[FileMover](p, poly)
	a.replacer, t[CapReplaceContent] = pick[ContentReplacer](p, poly)
	a.inspect, t[CapGetFileInfo] = pick[FileInspector](p, poly)
	a.lister, t[CapListDirectory] = pick[DirectoryLister](p, poly)
	a.mkdirs, t[CapCreateDirectories] = pick[DirectoryCreator](p, poly)
	a.rmdirs, t[CapDeleteDirectories] = pick[DirectoryDeleter](p, poly)
	a.perms, t[CapSetPermissions] = pick[PermissionSetter](p, poly)
	a.searcher, t[CapSearch] = pick[Searcher](p, poly)
	a.pinger, t[CapPing] = pick[Pinger](p, poly)
	a.metrics, t[CapGetMetrics] = pick[MetricsReporter](p, poly)

	// Create and Delete always work: without native support the execution
	// channel itself is the sandbox and the adapter only tracks state.
	for _, c := range []Capability{CapCreate, CapDelete, CapGetInfo} {
		if t[c] == Unsupported {
			t[c] = Polyfilled
		}
	}
	a.caps = t
}

func (a *Adapter) count(r Resolution) int {
	n := 0
	for _, c := range Capabilities {
		if a.caps[c] == r {
			n++
		}
	}
	return n
}

// ID returns the sandbox id.
func (a *Adapter) ID() string { return a.id }

// Provider returns the provider name.
func (a *Adapter) Provider() string { return a.provider.Name() }

// Status returns the current lifecycle status.
func (a *Adapter) Status() Status { return *a.status.Load() }

// Capabilities returns a copy of the capability table.
func (a *Adapter) Capabilities() CapabilityTable { return maps.Clone(a.caps) }

// Resolution reports how c is served.
func (a *Adapter) Resolution(c Capability) Resolution {
	if r, ok := a.caps[c]; ok {
		return r
	}
	return Unsupported
}

// Executor returns the execution primitive with all middleware applied.
func (a *Adapter) Executor() Executor { return a.exec }

// liveStates are the states in which commands and file operations run.
var liveStates = []State{StateCreating, StateRunning, StateError}

func (a *Adapter) require(op Capability, allowed ...State) error {
	cur := a.Status().State
	if slices.Contains(allowed, cur) {
		return nil
	}
	expected := make([]string, len(allowed))
	for i, s := range allowed {
		expected[i] = string(s)
	}
	return sandboxerr.SandboxState(string(op), string(cur), expected...)
}

// transition moves to next if the current state is one of from.
func (a *Adapter) transition(op Capability, next Status, from ...State) error {
	for {
		cur := a.status.Load()
		if !slices.Contains(from, cur.State) {
			return a.require(op, from...)
		}
		if a.status.CompareAndSwap(cur, &next) {
			a.changed(cur.State, next)
			return nil
		}
	}
}

func (a *Adapter) setStatus(next Status) {
	prev := a.status.Swap(&next)
	a.changed(prev.State, next)
}

func (a *Adapter) changed(prev State, next Status) {
	if prev == next.State {
		return
	}
	a.logger.Info("sandbox status changed",
		slog.String("from", string(prev)),
		slog.String("to", next.String()),
	)
	for _, l := range a.listeners {
		l(a.id, next)
	}
}

func (a *Adapter) bindLogger() {
	a.logger = a.base.With(slog.String("sandbox_id", a.id), slog.String("provider", a.provider.Name()))
}

// setID adopts the id assigned by the provider and rebinds every logger to it.
func (a *Adapter) setID(id string) {
	a.id = id
	a.bindLogger()
	if a.polyfill != nil {
		a.polyfill.logger = a.logger
	}
}

// MarkError moves a creating or running sandbox to the error state.
func (a *Adapter) MarkError(reason string) error {
	return a.transition("markError", Status{State: StateError, Reason: reason}, StateCreating, StateRunning)
}

func (a *Adapter) unsupported(op Capability) error {
	return sandboxerr.FeatureNotSupported(string(op), a.provider.Name())
}

func (a *Adapter) translate(err error, op Capability) error {
	return sandboxerr.Translate(err, a.provider.Name(), string(op))
}

// invoke runs one capability call: support check, state check, observation
// and error translation.
func invoke[R any](ctx context.Context, a *Adapter, op Capability, allowed []State, call func(ctx context.Context) (R, error)) (R, error) {
	var zero R
	if a.Resolution(op) == Unsupported {
		err := a.unsupported(op)
		_, done := a.observer.Begin(ctx, a.provider.Name(), op, Unsupported)
		done(err)
		return zero, err
	}
	if err := a.require(op, allowed...); err != nil {
		return zero, err
	}
	ctx, done := a.observer.Begin(ctx, a.provider.Name(), op, a.Resolution(op))
	out, err := call(ctx)
	if err != nil {
		err = a.translate(err, op)
		a.logger.Debug("sandbox operation failed",
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
	}
	done(err)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// checkBatch guards the one-result-per-input contract of native providers.
func checkBatch(op Capability, got, want int) error {
	if got == want {
		return nil
	}
	return sandboxerr.CommandFailure(string(op), "provider returned a result count that does not match its input", nil)
}

// WaitUntilReady pings the sandbox at a fixed interval until it answers or
// timeout elapses. Sleeps never overshoot the remaining budget. A creating or
// errored sandbox that answers becomes running.
func (a *Adapter) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if err := a.require("waitUntilReady", StateCreating, StateRunning, StatePaused, StateError); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		if a.pingBefore(ctx, deadline) {
			if err := a.transition("waitUntilReady", Status{State: StateRunning}, StateCreating, StateError); err == nil {
				a.logger.Info("sandbox ready")
			}
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return sandboxerr.ReadyTimeout(a.id, timeout)
		}
		timer := time.NewTimer(min(a.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return a.translate(ctx.Err(), "waitUntilReady")
		case <-timer.C:
		}
	}
}

func (a *Adapter) pingBefore(ctx context.Context, deadline time.Time) bool {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return a.Ping(ctx)
}

// Ping reports whether the sandbox answers. It never returns an error; a
// deleted sandbox or one without any ping implementation reports false.
func (a *Adapter) Ping(ctx context.Context) bool {
	if a.pinger == nil || a.Status().State == StateDeleted {
		return false
	}
	ctx, done := a.observer.Begin(ctx, a.provider.Name(), CapPing, a.Resolution(CapPing))
	ok := a.pinger.Ping(ctx)
	if ok {
		done(nil)
	} else {
		done(sandboxerr.Connection("ping failed", nil))
	}
	return ok
}
