package learning

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

type ModelSnapshotRepo interface {
	Create(dbc dbctx.Context, row *types.ModelSnapshot) error
	GetActiveByKey(dbc dbctx.Context, key string) (*types.ModelSnapshot, error)
	GetLatestByKey(dbc dbctx.Context, key string) (*types.ModelSnapshot, error)
	ListByKey(dbc dbctx.Context, key string, limit int) ([]*types.ModelSnapshot, error)
	NextVersion(dbc dbctx.Context, key string) (int, error)
	SetActiveByID(dbc dbctx.Context, id uuid.UUID) error
	Upsert(dbc dbctx.Context, row *types.ModelSnapshot) error
}

type modelSnapshotRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModelSnapshotRepo(db *gorm.DB, baseLog *logger.Logger) ModelSnapshotRepo {
	return &modelSnapshotRepo{db: db, log: baseLog.With("repo", "ModelSnapshotRepo")}
}

func (r *modelSnapshotRepo) tx(dbc dbctx.Context) *gorm.DB {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	return t.WithContext(dbc.Context())
}

func (r *modelSnapshotRepo) Create(dbc dbctx.Context, row *types.ModelSnapshot) error {
	if row == nil || strings.TrimSpace(row.ModelKey) == "" {
		return nil
	}
	return r.tx(dbc).Create(row).Error
}

func (r *modelSnapshotRepo) Upsert(dbc dbctx.Context, row *types.ModelSnapshot) error {
	if row == nil || strings.TrimSpace(row.ModelKey) == "" {
		return nil
	}
	return r.tx(dbc).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "model_key"}, {Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"label",
				"kind",
				"active",
				"params_json",
				"metrics_json",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *modelSnapshotRepo) first(dbc dbctx.Context, q *gorm.DB) (*types.ModelSnapshot, error) {
	row := &types.ModelSnapshot{}
	if err := q.Order("version DESC, created_at DESC").Limit(1).First(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// GetActiveByKey returns the snapshot marked active, or nil.
func (r *modelSnapshotRepo) GetActiveByKey(dbc dbctx.Context, key string) (*types.ModelSnapshot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return r.first(dbc, r.tx(dbc).Where("model_key = ? AND active = ?", key, true))
}

func (r *modelSnapshotRepo) GetLatestByKey(dbc dbctx.Context, key string) (*types.ModelSnapshot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return r.first(dbc, r.tx(dbc).Where("model_key = ?", key))
}

func (r *modelSnapshotRepo) ListByKey(dbc dbctx.Context, key string, limit int) ([]*types.ModelSnapshot, error) {
	key = strings.TrimSpace(key)
	out := []*types.ModelSnapshot{}
	if key == "" {
		return out, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if err := r.tx(dbc).
		Where("model_key = ?", key).
		Order("version DESC, created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// NextVersion is one past the highest stored version for key, including
// soft-deleted rows so versions are never reused.
func (r *modelSnapshotRepo) NextVersion(dbc dbctx.Context, key string) (int, error) {
	var max sql.NullInt64
	row := r.tx(dbc).
		Unscoped().
		Model(&types.ModelSnapshot{}).
		Where("model_key = ?", strings.TrimSpace(key)).
		Select("MAX(version)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r *modelSnapshotRepo) SetActiveByID(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	t := r.tx(dbc)
	var row types.ModelSnapshot
	if err := t.Where("id = ?", id).First(&row).Error; err != nil {
		return err
	}
	if err := t.Model(&types.ModelSnapshot{}).
		Where("model_key = ?", row.ModelKey).
		Update("active", false).Error; err != nil {
		return err
	}
	return t.Model(&types.ModelSnapshot{}).
		Where("id = ?", id).
		Update("active", true).Error
}
