package domain

import (
	"github.com/yungbote/neurobridge-risk/internal/domain/learners"
	"github.com/yungbote/neurobridge-risk/internal/domain/models"
)

const (
	ResultPass        = learners.ResultPass
	ResultDistinction = learners.ResultDistinction
	ResultFail        = learners.ResultFail
	ResultWithdrawn   = learners.ResultWithdrawn
)

type (
	LearnerRecord = learners.LearnerRecord
	ModelSnapshot = models.ModelSnapshot
)
