// Package provider builds sandbox providers from configuration.
package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/provider/docker"
	"github.com/jkaninda/polybox/internal/provider/process"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

// Factory creates providers for new sandboxes and reattaches providers to
// sandboxes recorded by an earlier run.
type Factory struct {
	cfg    config.ProviderConfig
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg config.ProviderConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Default returns the configured default provider name.
func (f *Factory) Default() string {
	return f.cfg.Name()
}

// New returns a fresh provider. An empty name selects the default.
func (f *Factory) New(name string) (sandbox.Provider, error) {
	if name == "" {
		name = f.Default()
	}
	switch name {
	case config.ProviderProcess:
		return process.New(f.processConfig(""), f.logger.With(slog.String("provider", name)))
	case config.ProviderDocker:
		return docker.New(f.dockerConfig(""), f.logger.With(slog.String("provider", name))), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Attach returns a provider bound to the sandbox described by rec.
func (f *Factory) Attach(rec *storage.SandboxRecord) (sandbox.Provider, error) {
	logger := f.logger.With(slog.String("provider", rec.Provider), slog.String("sandbox_id", rec.ID))
	switch rec.Provider {
	case config.ProviderProcess:
		root := rec.Metadata["root"]
		if root == "" {
			return nil, fmt.Errorf("process sandbox %s has no recorded root", rec.ID)
		}
		pc := f.processConfig(root)
		pc.RemoveRoot = rec.Metadata["root_owned"] == "true"
		return process.New(pc, logger)
	case config.ProviderDocker:
		return docker.New(f.dockerConfig(rec.ID), logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for sandbox %s", rec.Provider, rec.ID)
	}
}

func (f *Factory) processConfig(root string) process.Config {
	pc := process.Config{Root: root}
	if c := f.cfg.Process; c != nil {
		if pc.Root == "" {
			pc.Root = c.Root
		}
		pc.Shell = c.Shell
		pc.DefaultTimeout = time.Duration(c.TimeoutSeconds) * time.Second
		pc.Limits = process.ResourceLimits{MaxCPUSeconds: c.MaxCPUSeconds, MaxMemoryMB: c.MaxMemoryMB}
		pc.MaxOutputBytes = c.MaxOutputBytes
	}
	return pc
}

func (f *Factory) dockerConfig(container string) docker.Config {
	dc := docker.Config{Container: container}
	if c := f.cfg.Docker; c != nil {
		if dc.Container == "" {
			dc.Container = c.Container
		}
		dc.Binary = c.Binary
		dc.Image = c.Image
		dc.DefaultTimeout = time.Duration(c.TimeoutSeconds) * time.Second
		dc.MemoryMB = c.MemoryMB
		dc.CPUCores = c.CPUCores
		dc.PIDsLimit = c.PIDsLimit
		dc.NetworkAllowed = c.NetworkAllowed
		dc.WritableRoot = c.WritableRoot
		dc.User = c.User
		dc.WorkDir = c.WorkDir
		dc.MaxOutputBytes = c.MaxOutputBytes
	}
	return dc
}
