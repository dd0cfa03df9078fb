package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/polybox/internal/config"
	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/provider"
	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
	"github.com/jkaninda/polybox/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "polybox.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry(t *testing.T, store storage.Store, obs *observability.Observability) *Registry {
	t.Helper()
	factory := provider.NewFactory(config.ProviderConfig{
		Default: config.ProviderProcess,
		Process: &config.ProcessProviderConfig{Root: t.TempDir()},
	}, nil)
	reg := NewRegistry(factory, store, obs, config.AdapterConfig{PollIntervalMS: 10}, nil)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg
}

func TestRegistry_CreatePersists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	obs := &observability.Observability{Metrics: observability.NewMetricsCollector()}
	reg := newTestRegistry(t, store, obs)

	a, err := reg.Create(ctx, CreateRequest{
		CreateConfig: sandbox.CreateConfig{Metadata: map[string]string{"owner": "ci"}},
		WaitReady:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateRunning, a.Status().State)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Metrics.SandboxesActive))

	got, err := reg.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	rec, err := store.Get(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, "process", rec.Provider)
	assert.Equal(t, sandbox.StateRunning, rec.State)
	assert.Equal(t, "ci", rec.Metadata["owner"])
	assert.NotEmpty(t, rec.Metadata["root"])
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := newTestRegistry(t, nil, nil)
	_, err := reg.Create(context.Background(), CreateRequest{Provider: "vm"})
	require.Error(t, err)
	assert.Zero(t, reg.Len())
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := newTestRegistry(t, nil, nil)
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestRegistry_StatusChangesArePersisted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := newTestRegistry(t, store, nil)

	a, err := reg.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, a.MarkError("ping failed"))

	rec, err := store.Get(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateError, rec.State)
	assert.Equal(t, "ping failed", rec.Reason)
}

func TestRegistry_DeleteForgets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	obs := &observability.Observability{Metrics: observability.NewMetricsCollector()}
	reg := newTestRegistry(t, store, obs)

	a, err := reg.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	id := a.ID()

	require.NoError(t, reg.Delete(ctx, id))
	assert.Equal(t, sandbox.StateDeleted, a.Status().State)
	assert.Zero(t, reg.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.Metrics.SandboxesActive))

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, reg.Delete(ctx, id), ErrSandboxNotFound)
}

func TestRegistry_ListSorted(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil, nil)
	for range 3 {
		_, err := reg.Create(ctx, CreateRequest{})
		require.NoError(t, err)
	}
	list := reg.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID(), list[i].ID())
	}
}

func TestRegistry_Restore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := newTestRegistry(t, store, nil)
	a, err := first.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, a.MarkError("lost contact"))

	// A deleted leftover is dropped on restore.
	require.NoError(t, store.Save(ctx, &storage.SandboxRecord{
		ID:       "proc-gone",
		Provider: "process",
		State:    sandbox.StateDeleted,
	}))
	// An unattachable record is skipped but kept, in the error state.
	require.NoError(t, store.Save(ctx, &storage.SandboxRecord{
		ID:       "proc-rootless",
		Provider: "process",
		State:    sandbox.StateRunning,
	}))

	second := newTestRegistry(t, store, nil)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := second.Get(a.ID())
	require.NoError(t, err)
	assert.Equal(t, sandbox.Status{State: sandbox.StateError, Reason: "lost contact"}, restored.Status())

	res, err := restored.Execute(ctx, "echo restored", sandbox.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "restored\n", res.Stdout)

	_, err = store.Get(ctx, "proc-gone")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rootless, err := store.Get(ctx, "proc-rootless")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateError, rootless.State)
	assert.Contains(t, rootless.Reason, "reattach failed")
	_, err = second.Get("proc-rootless")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestRegistry_RestoreMarksUnreachable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := newTestRegistry(t, store, nil)
	a, err := first.Create(ctx, CreateRequest{WaitReady: true})
	require.NoError(t, err)
	require.Equal(t, sandbox.StateRunning, a.Status().State)

	// The restarted registry can no longer run commands in the sandbox.
	factory := provider.NewFactory(config.ProviderConfig{
		Default: config.ProviderProcess,
		Process: &config.ProcessProviderConfig{Shell: filepath.Join(t.TempDir(), "no-such-shell")},
	}, nil)
	second := NewRegistry(factory, store, nil, config.AdapterConfig{PollIntervalMS: 10}, nil)
	t.Cleanup(func() { _ = second.Close(ctx) })

	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := second.Get(a.ID())
	require.NoError(t, err)
	assert.Equal(t, sandbox.Status{State: sandbox.StateError, Reason: "unreachable after restore"}, restored.Status())

	rec, err := store.Get(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateError, rec.State)
}

func TestRegistry_RestoreWithoutStore(t *testing.T) {
	reg := newTestRegistry(t, nil, nil)
	n, err := reg.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
