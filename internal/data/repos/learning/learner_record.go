package learning

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

// LearnerRecordRepo reads registration records owned by the learning platform.
// Upsert exists for seeding and tests; serving code never writes.
type LearnerRecordRepo interface {
	Upsert(dbc dbctx.Context, rows []*types.LearnerRecord) error
	GetLatestByLearner(dbc dbctx.Context, learnerID string) (*types.LearnerRecord, error)
	GetByLearnerAndCohort(dbc dbctx.Context, learnerID, module, presentation string) (*types.LearnerRecord, error)
	ListLabeled(dbc dbctx.Context, limit int) ([]*types.LearnerRecord, error)
	CountLabeled(dbc dbctx.Context) (int64, error)
}

type learnerRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLearnerRecordRepo(db *gorm.DB, baseLog *logger.Logger) LearnerRecordRepo {
	return &learnerRecordRepo{db: db, log: baseLog.With("repo", "LearnerRecordRepo")}
}

func (r *learnerRecordRepo) tx(dbc dbctx.Context) *gorm.DB {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	return t.WithContext(dbc.Context())
}

func (r *learnerRecordRepo) Upsert(dbc dbctx.Context, rows []*types.LearnerRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return r.tx(dbc).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "learner_id"}, {Name: "code_module"}, {Name: "code_presentation"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"features",
				"final_result",
				"updated_at",
			}),
		}).
		CreateInBatches(rows, 500).Error
}

func (r *learnerRecordRepo) GetLatestByLearner(dbc dbctx.Context, learnerID string) (*types.LearnerRecord, error) {
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return nil, nil
	}
	row := &types.LearnerRecord{}
	if err := r.tx(dbc).
		Where("learner_id = ?", learnerID).
		Order("updated_at DESC, code_presentation DESC").
		Limit(1).
		First(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

func (r *learnerRecordRepo) GetByLearnerAndCohort(dbc dbctx.Context, learnerID, module, presentation string) (*types.LearnerRecord, error) {
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" || module == "" || presentation == "" {
		return nil, nil
	}
	row := &types.LearnerRecord{}
	if err := r.tx(dbc).
		Where("learner_id = ? AND code_module = ? AND code_presentation = ?", learnerID, module, presentation).
		First(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// ListLabeled returns records with a known final result in a stable order.
// limit <= 0 means no limit.
func (r *learnerRecordRepo) ListLabeled(dbc dbctx.Context, limit int) ([]*types.LearnerRecord, error) {
	out := []*types.LearnerRecord{}
	q := r.tx(dbc).
		Where("final_result <> ''").
		Order("code_module ASC, code_presentation ASC, learner_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *learnerRecordRepo) CountLabeled(dbc dbctx.Context) (int64, error) {
	var n int64
	err := r.tx(dbc).Model(&types.LearnerRecord{}).Where("final_result <> ''").Count(&n).Error
	return n, err
}
