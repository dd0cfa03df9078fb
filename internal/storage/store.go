// Package storage defines the Store interface that persists the sandbox registry.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (shared deployments).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/polybox/internal/sandbox"
)

// ErrNotFound is returned when no record exists for a sandbox id.
var ErrNotFound = errors.New("sandbox record not found")

// Store persists sandbox records so a restarted server can reattach to the
// sandboxes it created. Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Save inserts or replaces the record with the same ID.
	Save(ctx context.Context, rec *SandboxRecord) error
	Get(ctx context.Context, id string) (*SandboxRecord, error)
	// List returns all records, oldest first.
	List(ctx context.Context) ([]SandboxRecord, error)
	UpdateStatus(ctx context.Context, id string, status sandbox.Status) error
	Delete(ctx context.Context, id string) error

	// Ping checks the database connection for readiness checks.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SandboxRecord is the persisted view of one sandbox.
type SandboxRecord struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	State     sandbox.State     `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Image     string            `json:"image,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Status returns the record's lifecycle status.
func (r *SandboxRecord) Status() sandbox.Status {
	return sandbox.Status{State: r.State, Reason: r.Reason}
}

// RecordFromInfo builds a record from an adapter's info snapshot.
func RecordFromInfo(info *sandbox.Info) *SandboxRecord {
	rec := &SandboxRecord{
		ID:        info.ID,
		Provider:  info.Provider,
		State:     info.Status.State,
		Reason:    info.Status.Reason,
		Image:     info.Image,
		Metadata:  info.Metadata,
		CreatedAt: info.CreatedAt,
		ExpiresAt: info.ExpiresAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
