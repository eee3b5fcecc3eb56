package risk_model_train

import (
	"context"

	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

// RefreshNotifier tells serving processes that a new snapshot was stored.
type RefreshNotifier interface {
	PublishRefresh(ctx context.Context, version string) error
}

// Pipeline is the offline training job: load records, train, persist, notify.
// Any of the repos, Objects and Notify may be nil when that sink is unused.
type Pipeline struct {
	log     *logger.Logger
	records repos.LearnerRecordRepo
	models  repos.ModelSnapshotRepo
	objects snapshot.ObjectStore
	notify  RefreshNotifier
	cfg     training.Config
}

func New(
	baseLog *logger.Logger,
	records repos.LearnerRecordRepo,
	models repos.ModelSnapshotRepo,
	objects snapshot.ObjectStore,
	notify RefreshNotifier,
	cfg training.Config,
) *Pipeline {
	return &Pipeline{
		log:     baseLog.With("job", "risk_model_train"),
		records: records,
		models:  models,
		objects: objects,
		notify:  notify,
		cfg:     cfg,
	}
}

func (p *Pipeline) Type() string { return "risk_model_train" }
