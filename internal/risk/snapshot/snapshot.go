package snapshot

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/coldstart"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

// Options are serving-side settings applied when a bundle is activated.
type Options struct {
	Explain    explain.Options
	ColdStartK int
	// Constraints override the bundle's feasibility table when non-empty.
	Constraints counterfactual.Constraints
	Cache       explain.Cache
}

// Snapshot is the immutable serving state built from one bundle. Requests take
// a pointer once and use it throughout so they never see a mix of versions.
type Snapshot struct {
	bundle      *Bundle
	Schema      features.Schema
	Normalizer  *features.Normalizer
	Model       *model.Model
	Explainer   *explain.Generator
	ColdStart   *coldstart.Estimator
	Constraints counterfactual.Constraints
	LoadedAt    time.Time
}

func Build(log *logger.Logger, b *Bundle, opts Options) (*Snapshot, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	m, err := b.Model.Build()
	if err != nil {
		return nil, err
	}
	constraints := opts.Constraints
	if len(constraints) == 0 {
		constraints = b.Constraints
	}
	if len(constraints) == 0 {
		constraints = counterfactual.DefaultConstraints()
	}
	if err := constraints.Validate(b.Schema); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", b.Version, err)
	}
	ref := explain.NewReference(b.Reference.Rows, b.Reference.Labels)
	return &Snapshot{
		bundle:      b,
		Schema:      b.Schema,
		Normalizer:  features.NewNormalizer(b.Schema, b.Cohorts),
		Model:       m,
		Explainer:   explain.NewGenerator(log, m, ref, opts.Cache, opts.Explain),
		ColdStart:   coldstart.NewEstimator(b.Schema, b.ColdStart.Global, b.ColdStart.History, opts.ColdStartK),
		Constraints: constraints,
		LoadedAt:    time.Now().UTC(),
	}, nil
}

func (s *Snapshot) Version() string { return s.bundle.Version }

func (s *Snapshot) Bundle() *Bundle { return s.bundle }

// Summary is the public description of a snapshot.
type Summary struct {
	Version       string                     `json:"version"`
	CreatedAt     time.Time                  `json:"created_at"`
	LoadedAt      time.Time                  `json:"loaded_at"`
	ModelKind     model.Kind                 `json:"model_kind"`
	Features      []features.Spec            `json:"features"`
	Cohorts       []string                   `json:"cohorts"`
	GlobalRanking []explain.Importance       `json:"global_ranking"`
	Metrics       Metrics                    `json:"metrics"`
	Constraints   counterfactual.Constraints `json:"constraints"`
	ColdStartSize int                        `json:"cold_start_history"`
}

func (s *Snapshot) Summary() Summary {
	return Summary{
		Version:       s.bundle.Version,
		CreatedAt:     s.bundle.CreatedAt,
		LoadedAt:      s.LoadedAt,
		ModelKind:     s.Model.Kind(),
		Features:      s.Schema.Features,
		Cohorts:       s.bundle.Cohorts.Keys(),
		GlobalRanking: s.Explainer.Global(),
		Metrics:       s.bundle.Metrics,
		Constraints:   s.Constraints,
		ColdStartSize: s.ColdStart.Size(),
	}
}

// Holder publishes the current snapshot. Swaps are atomic.
type Holder struct {
	cur atomic.Pointer[Snapshot]
}

func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	if s != nil {
		h.cur.Store(s)
	}
	return h
}

// Load returns the current snapshot or nil before the first successful load.
func (h *Holder) Load() *Snapshot { return h.cur.Load() }

// Swap installs s and returns the snapshot it replaced.
func (h *Holder) Swap(s *Snapshot) *Snapshot { return h.cur.Swap(s) }
