package db

import (
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Read-only collaborator data (owned by the learning platform).
		&types.LearnerRecord{},

		// Trained risk bundles.
		&types.ModelSnapshot{},
	)
}
