package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/storage"
)

// SandboxModel maps to the "sandboxes" table.
// Metadata is stored as JSON text so the same model works on SQLite.
type SandboxModel struct {
	ID        string `gorm:"primaryKey"`
	Provider  string `gorm:"not null;index"`
	State     string `gorm:"not null;index"`
	Reason    string `gorm:"type:text;not null;default:''"`
	Image     string `gorm:"not null;default:''"`
	Metadata  string `gorm:"type:text;not null;default:'{}'"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time `gorm:"index"`
}

func (SandboxModel) TableName() string { return "sandboxes" }

func toSandboxModel(rec *storage.SandboxRecord) SandboxModel {
	meta, _ := json.Marshal(rec.Metadata)
	if rec.Metadata == nil {
		meta = []byte("{}")
	}
	return SandboxModel{
		ID:        rec.ID,
		Provider:  rec.Provider,
		State:     string(rec.State),
		Reason:    rec.Reason,
		Image:     rec.Image,
		Metadata:  string(meta),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

func toSandboxRecord(m *SandboxModel) *storage.SandboxRecord {
	rec := &storage.SandboxRecord{
		ID:        m.ID,
		Provider:  m.Provider,
		State:     sandbox.State(m.State),
		Reason:    m.Reason,
		Image:     m.Image,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		ExpiresAt: m.ExpiresAt,
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(m.Metadata), &meta); err == nil && len(meta) > 0 {
		rec.Metadata = meta
	}
	return rec
}
