package repos

import (
	"github.com/yungbote/neurobridge-risk/internal/data/repos/learning"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"gorm.io/gorm"
)

type ModelSnapshotRepo = learning.ModelSnapshotRepo
type LearnerRecordRepo = learning.LearnerRecordRepo

type Repos struct {
	ModelSnapshot ModelSnapshotRepo
	LearnerRecord LearnerRecordRepo
}

func New(db *gorm.DB, log *logger.Logger) *Repos {
	return &Repos{
		ModelSnapshot: learning.NewModelSnapshotRepo(db, log),
		LearnerRecord: learning.NewLearnerRecordRepo(db, log),
	}
}
