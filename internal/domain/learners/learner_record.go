package learners

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Final results as recorded by the registry. Withdrawn and Fail count as at risk.
const (
	ResultPass        = "Pass"
	ResultDistinction = "Distinction"
	ResultFail        = "Fail"
	ResultWithdrawn   = "Withdrawn"
)

// LearnerRecord is one learner's registration in one module presentation with
// the aggregated engagement features observed so far. The risk service only
// reads these rows; the learning platform owns them.
type LearnerRecord struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LearnerID        string `gorm:"column:learner_id;not null;index:idx_learner_record,unique,priority:1" json:"learner_id"`
	CodeModule       string `gorm:"column:code_module;not null;index:idx_learner_record,unique,priority:2" json:"code_module"`
	CodePresentation string `gorm:"column:code_presentation;not null;index:idx_learner_record,unique,priority:3" json:"code_presentation"`

	// Features maps raw feature names to numbers or category strings.
	Features datatypes.JSON `gorm:"column:features;type:jsonb" json:"features"`

	// FinalResult is empty while the presentation is running.
	FinalResult string `gorm:"column:final_result;index" json:"final_result,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (LearnerRecord) TableName() string { return "learner_record" }

func (r *LearnerRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// CohortKey is the course-by-presentation cohort the record belongs to.
func (r *LearnerRecord) CohortKey() string {
	return r.CodeModule + "-" + r.CodePresentation
}

// Labeled reports whether the outcome is known.
func (r *LearnerRecord) Labeled() bool { return r.FinalResult != "" }

func (r *LearnerRecord) AtRisk() bool {
	return r.FinalResult == ResultFail || r.FinalResult == ResultWithdrawn
}
