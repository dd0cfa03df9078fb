package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "polybox.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	require.Error(t, err)
}

func TestStore_SaveGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	rec := &storage.SandboxRecord{
		ID:        "sbx-1",
		Provider:  "docker",
		State:     sandbox.StateRunning,
		Image:     "alpine:3.20",
		Metadata:  map[string]string{"container_id": "c0ffee"},
		ExpiresAt: &exp,
	}
	require.NoError(t, s.Save(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero(), "Save should stamp CreatedAt")

	got, err := s.Get(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "docker", got.Provider)
	assert.Equal(t, sandbox.StateRunning, got.State)
	assert.Equal(t, "alpine:3.20", got.Image)
	assert.Equal(t, "c0ffee", got.Metadata["container_id"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt), "expires_at = %v, want %v", got.ExpiresAt, exp)
	assert.Equal(t, sandbox.Status{State: sandbox.StateRunning}, got.Status())
}

func TestStore_SaveUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &storage.SandboxRecord{ID: "sbx-1", Provider: "process", State: sandbox.StateCreating}))
	require.NoError(t, s.Save(ctx, &storage.SandboxRecord{ID: "sbx-1", Provider: "process", State: sandbox.StatePaused, Image: "v2"}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sandbox.StatePaused, recs[0].State)
	assert.Equal(t, "v2", recs[0].Image)
	assert.Nil(t, recs[0].Metadata)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &storage.SandboxRecord{ID: "sbx-1", Provider: "process", State: sandbox.StateRunning}))

	require.NoError(t, s.UpdateStatus(ctx, "sbx-1", sandbox.Status{State: sandbox.StateError, Reason: "ping failed"}))
	got, err := s.Get(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateError, got.State)
	assert.Equal(t, "ping failed", got.Reason)

	err = s.UpdateStatus(ctx, "missing", sandbox.Status{State: sandbox.StateRunning})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Save(ctx, &storage.SandboxRecord{
			ID:        id,
			Provider:  "process",
			State:     sandbox.StateRunning,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	recs, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &storage.SandboxRecord{ID: "sbx-1", Provider: "process", State: sandbox.StateRunning}))

	require.NoError(t, s.Delete(ctx, "sbx-1"))
	_, err := s.Get(ctx, "sbx-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "sbx-1"), "deleting twice is not an error")
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, storage.DriverSQLite, s.Driver())
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polybox.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &storage.SandboxRecord{ID: "keep", Provider: "docker", State: sandbox.StatePaused}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path}, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatePaused, got.State)
}

func TestRecordFromInfo(t *testing.T) {
	info := &sandbox.Info{
		ID:       "sbx-9",
		Provider: "process",
		Status:   sandbox.Status{State: sandbox.StateError, Reason: "boom"},
	}
	rec := storage.RecordFromInfo(info)
	assert.Equal(t, "sbx-9", rec.ID)
	assert.Equal(t, sandbox.StateError, rec.State)
	assert.Equal(t, "boom", rec.Reason)
	assert.False(t, rec.CreatedAt.IsZero())
}
