package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
)

// RecordStore is the read-only learner record collaborator. Lookup returns the
// stored raw features for the learner in the cohort.
type RecordStore interface {
	Lookup(ctx context.Context, learnerID, cohortKey string) (map[string]any, bool, error)
}

// RepoRecords reads learner_record rows. Cohort keys are "<module>-<presentation>".
type RepoRecords struct {
	Repo repos.LearnerRecordRepo
}

func (r *RepoRecords) Lookup(ctx context.Context, learnerID, cohortKey string) (map[string]any, bool, error) {
	module, presentation, ok := strings.Cut(cohortKey, "-")
	if !ok {
		return nil, false, nil
	}
	row, err := r.Repo.GetByLearnerAndCohort(dbctx.Context{Ctx: ctx}, learnerID, module, presentation)
	if err != nil || row == nil {
		return nil, false, err
	}
	out := map[string]any{}
	if len(row.Features) > 0 {
		if err := json.Unmarshal(row.Features, &out); err != nil {
			return nil, false, fmt.Errorf("decode learner_record %s features: %w", row.ID, err)
		}
	}
	return out, true, nil
}

// merge fills keys absent from the request with stored values.
func merge(req, stored map[string]any) map[string]any {
	out := make(map[string]any, len(req)+len(stored))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range req {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
