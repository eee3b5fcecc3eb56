package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-risk/internal/risk/coldstart"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

// ErrNoSnapshot is returned by sources that have nothing stored yet.
var ErrNoSnapshot = errors.New("no risk snapshot available")

// Reference is the held-out sample used for attribution baselines, global
// ranking and rule precision. Rows are normalized model inputs.
type Reference struct {
	Rows   [][]float64 `json:"rows"`
	Labels []int       `json:"labels"`
}

// ColdStart carries what the cold-start estimator needs: population statistics
// for the numeric immutable features and the historical learners.
type ColdStart struct {
	Global  map[string]features.Stat `json:"global"`
	History []coldstart.Example      `json:"history"`
}

type CandidateMetrics struct {
	Kind      model.Kind `json:"kind"`
	MeanF1    float64    `json:"mean_f1"`
	StdF1     float64    `json:"std_f1"`
	Precision float64    `json:"precision"`
	Recall    float64    `json:"recall"`
	Accuracy  float64    `json:"accuracy"`
	FoldF1    []float64  `json:"fold_f1"`
}

// Metrics records how the serving model was selected.
type Metrics struct {
	Selected      model.Kind         `json:"selected"`
	Folds         int                `json:"folds"`
	Candidates    []CandidateMetrics `json:"candidates"`
	TrainSize     int                `json:"train_size"`
	FitSize       int                `json:"fit_size"`
	ReferenceSize int                `json:"reference_size"`
	HistorySize   int                `json:"history_size"`
	PositiveRate  float64            `json:"positive_rate"`
}

// Bundle is the serialized output of one training cycle. Everything serving
// needs is in here; nothing in it changes after it is written.
type Bundle struct {
	Version     string                     `json:"version"`
	CreatedAt   time.Time                  `json:"created_at"`
	Schema      features.Schema            `json:"schema"`
	Cohorts     *features.CohortTable      `json:"cohorts"`
	Model       model.Artifact             `json:"model"`
	Reference   Reference                  `json:"reference"`
	ColdStart   ColdStart                  `json:"cold_start"`
	Constraints counterfactual.Constraints `json:"constraints,omitempty"`
	Metrics     Metrics                    `json:"metrics"`
}

// NewVersion derives a sortable, unique bundle version.
func NewVersion(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("nil snapshot bundle")
	}
	if strings.TrimSpace(b.Version) == "" {
		return fmt.Errorf("snapshot bundle has no version")
	}
	if err := b.Schema.Validate(); err != nil {
		return fmt.Errorf("snapshot %s: %w", b.Version, err)
	}
	if b.Cohorts == nil || len(b.Cohorts.Cohorts) == 0 {
		return fmt.Errorf("snapshot %s: empty cohort table", b.Version)
	}
	names := b.Schema.ModelNames()
	if len(names) != len(b.Model.FeatureNames) {
		return fmt.Errorf("snapshot %s: model has %d features, schema %d", b.Version, len(b.Model.FeatureNames), len(names))
	}
	for i, n := range names {
		if b.Model.FeatureNames[i] != n {
			return fmt.Errorf("snapshot %s: model feature %d is %q, schema expects %q", b.Version, i, b.Model.FeatureNames[i], n)
		}
	}
	if len(b.Reference.Rows) != len(b.Reference.Labels) {
		return fmt.Errorf("snapshot %s: reference rows and labels differ in length", b.Version)
	}
	for i, row := range b.Reference.Rows {
		if len(row) != len(names) {
			return fmt.Errorf("snapshot %s: reference row %d has %d values", b.Version, i, len(row))
		}
	}
	if len(b.Constraints) > 0 {
		if err := b.Constraints.Validate(b.Schema); err != nil {
			return fmt.Errorf("snapshot %s: %w", b.Version, err)
		}
	}
	return nil
}

func (b *Bundle) Encode() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode snapshot bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
