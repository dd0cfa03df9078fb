package postgres

import (
	"context"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB      *DB
	sandboxes *SandboxRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:      pgDB,
		sandboxes: NewSandboxRepository(pgDB.GormDB()),
	}
}

func (s *Store) Save(ctx context.Context, rec *storage.SandboxRecord) error {
	return s.sandboxes.Save(ctx, rec)
}

func (s *Store) Get(ctx context.Context, id string) (*storage.SandboxRecord, error) {
	return s.sandboxes.Get(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]storage.SandboxRecord, error) {
	return s.sandboxes.List(ctx)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status sandbox.Status) error {
	return s.sandboxes.UpdateStatus(ctx, id, status)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.sandboxes.Delete(ctx, id)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the wrapped connection.
func (s *Store) DB() *DB {
	return s.pgDB
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
