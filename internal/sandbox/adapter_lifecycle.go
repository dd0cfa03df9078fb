package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

type none struct{}

// Create provisions the sandbox. Providers without a native Create are
// considered provisioned as soon as the adapter exists.
func (a *Adapter) Create(ctx context.Context, cfg CreateConfig) error {
	_, err := invoke(ctx, a, CapCreate, []State{StateCreating}, func(ctx context.Context) (none, error) {
		if a.creator != nil {
			id, err := a.creator.Create(ctx, cfg)
			if err != nil {
				a.setStatus(Status{State: StateError, Reason: err.Error()})
				return none{}, err
			}
			if id != "" && id != a.id {
				a.setID(id)
			}
		}
		a.createCfg = cfg
		a.createdAt = time.Now()
		if cfg.Timeout > 0 {
			exp := a.createdAt.Add(cfg.Timeout)
			a.expiresAt = &exp
		}
		return none{}, a.transition(CapCreate, Status{State: StateRunning}, StateCreating)
	})
	if err == nil {
		a.logger.Info("sandbox created", slog.String("id", a.id), slog.String("image", cfg.Image))
	}
	return err
}

// Start brings a creating, paused or errored sandbox to running.
func (a *Adapter) Start(ctx context.Context) error {
	return a.lifecycle(ctx, CapStart, StateRunning, []State{StateCreating, StatePaused, StateError}, func(ctx context.Context) error {
		return a.starter.Start(ctx)
	})
}

// Stop halts a running sandbox. It can be started again.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.lifecycle(ctx, CapStop, StatePaused, []State{StateRunning}, func(ctx context.Context) error {
		return a.stopper.Stop(ctx)
	})
}

func (a *Adapter) Pause(ctx context.Context) error {
	return a.lifecycle(ctx, CapPause, StatePaused, []State{StateRunning}, func(ctx context.Context) error {
		return a.pauser.Pause(ctx)
	})
}

func (a *Adapter) Resume(ctx context.Context) error {
	return a.lifecycle(ctx, CapResume, StateRunning, []State{StatePaused}, func(ctx context.Context) error {
		return a.resumer.Resume(ctx)
	})
}

// Delete destroys the sandbox. Every later operation fails.
func (a *Adapter) Delete(ctx context.Context) error {
	allowed := []State{StateCreating, StateRunning, StatePaused, StateError}
	return a.lifecycle(ctx, CapDelete, StateDeleted, allowed, func(ctx context.Context) error {
		if a.deleter == nil {
			return nil
		}
		return a.deleter.Delete(ctx)
	})
}

func (a *Adapter) lifecycle(ctx context.Context, op Capability, to State, from []State, call func(ctx context.Context) error) error {
	_, err := invoke(ctx, a, op, from, func(ctx context.Context) (none, error) {
		if err := call(ctx); err != nil {
			return none{}, err
		}
		return none{}, a.transition(op, Status{State: to}, from...)
	})
	return err
}

// RenewExpiration extends the sandbox lifetime by seconds from now.
func (a *Adapter) RenewExpiration(ctx context.Context, seconds int) error {
	if seconds <= 0 && a.renewer != nil {
		return sandboxerr.InvalidArgument("expiration must be positive, got %d seconds", seconds)
	}
	_, err := invoke(ctx, a, CapRenewExpiration, []State{StateRunning, StatePaused}, func(ctx context.Context) (none, error) {
		if err := a.renewer.RenewExpiration(ctx, seconds); err != nil {
			return none{}, err
		}
		exp := time.Now().Add(time.Duration(seconds) * time.Second)
		a.expiresAt = &exp
		return none{}, nil
	})
	return err
}

// GetInfo describes the sandbox, natively when possible and from the
// adapter's own bookkeeping otherwise.
func (a *Adapter) GetInfo(ctx context.Context) (*Info, error) {
	allowed := []State{StateCreating, StateRunning, StatePaused, StateError}
	return invoke(ctx, a, CapGetInfo, allowed, func(ctx context.Context) (*Info, error) {
		if a.info == nil {
			return a.synthesizeInfo(), nil
		}
		info, err := a.info.GetInfo(ctx)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return a.synthesizeInfo(), nil
		}
		if info.ID == "" {
			info.ID = a.id
		}
		if info.Provider == "" {
			info.Provider = a.provider.Name()
		}
		if info.Status.State == "" {
			info.Status = a.Status()
		}
		return info, nil
	})
}

func (a *Adapter) synthesizeInfo() *Info {
	return &Info{
		ID:        a.id,
		Provider:  a.provider.Name(),
		Status:    a.Status(),
		Image:     a.createCfg.Image,
		CreatedAt: a.createdAt,
		ExpiresAt: a.expiresAt,
		Metadata:  a.createCfg.Metadata,
	}
}

// Close releases resources held by the provider. The sandbox itself is left
// as it is; use Delete to destroy it.
func (a *Adapter) Close(ctx context.Context) error {
	if a.closer == nil {
		return nil
	}
	_, done := a.observer.Begin(ctx, a.provider.Name(), "close", Native)
	err := a.translate(a.closer.Close(), "close")
	done(err)
	return err
}
