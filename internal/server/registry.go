package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

// ErrSandboxNotFound is returned for ids the registry does not hold.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Providers builds sandbox providers; see provider.Factory.
type Providers interface {
	Default() string
	New(name string) (sandbox.Provider, error)
	Attach(rec *storage.SandboxRecord) (sandbox.Provider, error)
}

// Registry owns the live sandbox adapters of a server process and mirrors
// their status into the store.
type Registry struct {
	providers Providers
	store     storage.Store // nil = in-memory only
	obs       *observability.Observability
	cfg       config.AdapterConfig
	logger    *slog.Logger

	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Adapter
}

// NewRegistry creates a Registry. store and obs may be nil.
func NewRegistry(providers Providers, store storage.Store, obs *observability.Observability, cfg config.AdapterConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		providers: providers,
		store:     store,
		obs:       obs,
		cfg:       cfg,
		logger:    logger,
		sandboxes: make(map[string]*sandbox.Adapter),
	}
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	Provider string `json:"provider,omitempty"`
	sandbox.CreateConfig
	// TimeoutSeconds overrides the embedded Timeout for JSON clients.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// WaitReady blocks until the sandbox answers a ping.
	WaitReady bool `json:"wait_ready,omitempty"`
}

// Create provisions a sandbox and registers it under the id the provider
// assigned.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*sandbox.Adapter, error) {
	name := req.Provider
	if name == "" {
		name = r.providers.Default()
	}
	p, err := r.providers.New(name)
	if err != nil {
		return nil, err
	}
	a, err := sandbox.New(p, r.options(name)...)
	if err != nil {
		return nil, err
	}

	cc := req.CreateConfig
	if req.TimeoutSeconds > 0 {
		cc.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if cc.Timeout == 0 {
		cc.Timeout = r.cfg.Expiration()
	}
	if err := a.Create(ctx, cc); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	if req.WaitReady {
		if err := a.WaitUntilReady(ctx, r.cfg.ReadyTimeout()); err != nil {
			r.discard(ctx, a)
			return nil, err
		}
	}

	r.mu.Lock()
	r.sandboxes[a.ID()] = a
	r.mu.Unlock()
	r.gauge()

	r.persist(ctx, a)
	r.logger.Info("sandbox registered",
		slog.String("sandbox_id", a.ID()),
		slog.String("provider", name),
	)
	return a, nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (*sandbox.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, id)
	}
	return a, nil
}

// List returns all registered adapters ordered by id.
func (r *Registry) List() []*sandbox.Adapter {
	r.mu.RLock()
	out := make([]*sandbox.Adapter, 0, len(r.sandboxes))
	for _, a := range r.sandboxes {
		out = append(out, a)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *sandbox.Adapter) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Delete destroys a sandbox and forgets it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := a.Delete(ctx); err != nil {
		return err
	}
	if err := a.Close(ctx); err != nil {
		r.logger.Warn("closing deleted sandbox",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
	}

	r.mu.Lock()
	delete(r.sandboxes, id)
	r.mu.Unlock()
	r.gauge()

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("removing sandbox record",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// restorePingTimeout bounds the liveness check of each reattached sandbox.
const restorePingTimeout = 10 * time.Second

// Restore reattaches to the sandboxes recorded in the store. Deleted records
// are dropped. A record that cannot be reattached stays in the store in the
// error state; a reattached running sandbox that does not answer a ping is
// moved to the error state.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sandbox records: %w", err)
	}
	restored := 0
	for i := range recs {
		rec := &recs[i]
		if rec.State == sandbox.StateDeleted {
			_ = r.store.Delete(ctx, rec.ID)
			continue
		}
		p, err := r.providers.Attach(rec)
		if err != nil {
			r.logger.Warn("cannot reattach sandbox",
				slog.String("sandbox_id", rec.ID),
				slog.String("error", err.Error()),
			)
			r.statusChanged(rec.ID, sandbox.Status{State: sandbox.StateError, Reason: "reattach failed: " + err.Error()})
			continue
		}
		opts := append(r.options(rec.Provider),
			sandbox.WithID(rec.ID),
			sandbox.WithInitialStatus(rec.Status()),
		)
		a, err := sandbox.New(p, opts...)
		if err != nil {
			return restored, err
		}
		r.checkRestored(ctx, a)
		r.mu.Lock()
		r.sandboxes[rec.ID] = a
		r.mu.Unlock()
		restored++
	}
	r.gauge()
	if restored > 0 {
		r.logger.Info("sandboxes restored", slog.Int("count", restored))
	}
	return restored, nil
}

// checkRestored pings a reattached sandbox that was recorded as live.
func (r *Registry) checkRestored(ctx context.Context, a *sandbox.Adapter) {
	switch a.Status().State {
	case sandbox.StateCreating, sandbox.StateRunning:
	default:
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, restorePingTimeout)
	defer cancel()
	if a.Ping(pingCtx) {
		return
	}
	if err := a.MarkError("unreachable after restore"); err == nil {
		r.logger.Warn("restored sandbox does not answer", slog.String("sandbox_id", a.ID()))
	}
}

// Close releases provider resources of every sandbox without deleting them.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, a := range r.List() {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing sandbox %s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}

func (r *Registry) options(provider string) []sandbox.Option {
	opts := []sandbox.Option{
		sandbox.WithLogger(r.logger),
		sandbox.WithPollInterval(r.cfg.PollInterval()),
		sandbox.WithChunkSize(r.cfg.ChunkSize()),
		sandbox.WithStatusListener(r.statusChanged),
	}
	if r.cfg.DisablePolyfill {
		opts = append(opts, sandbox.WithoutPolyfill())
	}
	return append(opts, r.obs.AdapterOptions(provider)...)
}

// statusChanged persists lifecycle transitions. Transitions happen inside
// adapter calls, so the write runs detached from the caller's context.
func (r *Registry) statusChanged(id string, status sandbox.Status) {
	if r.store == nil || status.State == sandbox.StateDeleted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, id, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Error("persisting sandbox status",
			slog.String("sandbox_id", id),
			slog.String("state", string(status.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) persist(ctx context.Context, a *sandbox.Adapter) {
	if r.store == nil {
		return
	}
	info, err := a.GetInfo(ctx)
	if err != nil {
		r.logger.Warn("describing sandbox for the registry",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
		info = &sandbox.Info{ID: a.ID(), Provider: a.Provider(), Status: a.Status()}
	}
	if err := r.store.Save(ctx, storage.RecordFromInfo(info)); err != nil {
		r.logger.Error("saving sandbox record",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// discard tears down a sandbox that never made it into the registry.
func (r *Registry) discard(ctx context.Context, a *sandbox.Adapter) {
	ctx = context.WithoutCancel(ctx)
	if err := a.Delete(ctx); err != nil {
		r.logger.Warn("deleting unready sandbox",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
	}
	_ = a.Close(ctx)
}

func (r *Registry) gauge() {
	if m := r.obs.MetricsOrNil(); m != nil {
		m.SandboxesActive.Set(float64(r.Len()))
	}
}
