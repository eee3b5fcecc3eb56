package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ModelSnapshot stores offline-trained risk bundles for runtime selection.
// ParamsJSON holds the full serialized bundle; MetricsJSON the selection report.
type ModelSnapshot struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	ModelKey string `gorm:"column:model_key;not null;index:idx_model_snapshot,unique,priority:1" json:"model_key"`
	Version  int    `gorm:"column:version;not null;index:idx_model_snapshot,unique,priority:2" json:"version"`
	Label    string `gorm:"column:label" json:"label"`
	Kind     string `gorm:"column:kind" json:"kind"`
	Active   bool   `gorm:"column:active;not null;default:false;index" json:"active"`

	ParamsJSON  datatypes.JSON `gorm:"column:params_json;type:jsonb" json:"params_json"`
	MetricsJSON datatypes.JSON `gorm:"column:metrics_json;type:jsonb" json:"metrics_json"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ModelSnapshot) TableName() string { return "model_snapshot" }

func (m *ModelSnapshot) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
