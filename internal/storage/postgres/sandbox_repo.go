package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

// SandboxRepository implements sandbox record persistence with GORM.
// It is dialect-neutral and shared by the SQLite backend.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Save upserts a sandbox record keyed by id.
func (r *SandboxRepository) Save(ctx context.Context, rec *storage.SandboxRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("saving sandbox: id is required")
	}
	model := toSandboxModel(rec)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider", "state", "reason", "image", "metadata", "expires_at", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving sandbox %s: %w", rec.ID, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = model.CreatedAt
	}
	rec.UpdatedAt = model.UpdatedAt
	return nil
}

// Get retrieves a sandbox record by id.
func (r *SandboxRepository) Get(ctx context.Context, id string) (*storage.SandboxRecord, error) {
	var model SandboxModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting sandbox %s: %w", id, err)
	}
	return toSandboxRecord(&model), nil
}

// List returns all sandbox records, oldest first.
func (r *SandboxRepository) List(ctx context.Context) ([]storage.SandboxRecord, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	out := make([]storage.SandboxRecord, len(models))
	for i := range models {
		out[i] = *toSandboxRecord(&models[i])
	}
	return out, nil
}

// UpdateStatus records a status transition.
func (r *SandboxRepository) UpdateStatus(ctx context.Context, id string, status sandbox.Status) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      string(status.State),
			"reason":     status.Reason,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating sandbox %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// Delete removes a sandbox record. Deleting a missing record is not an error.
func (r *SandboxRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return nil
}
