package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/httpx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/advice"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

type Services struct {
	Snapshots *snapshot.Holder
	Refresher *snapshot.Refresher
	Retriever *knowledge.Retriever
	Advisor   *advice.Synthesizer
	Policy    *escalation.Policy
	Pipeline  *pipeline.Pipeline
}

func wireServices(ctx context.Context, log *logger.Logger, cfg *config.Config, clients *Clients, reposet *repos.Repos, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	policy, err := escalation.NewPolicy(escalation.Thresholds{
		Moderate: cfg.Risk.Tiers.Moderate,
		High:     cfg.Risk.Tiers.High,
		Critical: cfg.Risk.Tiers.Critical,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init escalation policy: %w", err)
	}

	holder := snapshot.NewHolder(nil)
	src, err := snapshotSource(cfg, clients, reposet)
	if err != nil {
		return Services{}, err
	}
	opts := SnapshotOptions(cfg, explanationCache(cfg, clients))
	refresher := snapshot.NewRefresher(log, src, holder, func(b *snapshot.Bundle) (*snapshot.Snapshot, error) {
		return snapshot.Build(log, b, opts)
	}, cfg.Snapshot.RefreshInterval.Duration)
	refresher.OnSwap(func(_, cur *snapshot.Snapshot) { metrics.ObserveSnapshotSwap(cur.LoadedAt) })
	if _, err := refresher.Refresh(ctx); err != nil {
		// Serving starts without a model; /readyz reports 503 until a refresh succeeds.
		log.Warn("initial snapshot load failed", "source", src.Name(), "error", err)
	}

	retriever := knowledge.NewRetriever(log, cfg.Risk.RetrievalK)
	if err := rebuildKnowledge(ctx, cfg, clients, retriever); err != nil {
		log.Warn("knowledge index unavailable; retrieval will degrade", "backend", cfg.Knowledge.Backend, "error", err)
	}

	advisor := advice.New(log, clients.Generator, advice.Config{
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.Timeout.Duration,
		Retries:     cfg.Generation.Retries,
		Backoff: httpx.Backoff{
			Retries: cfg.Generation.Retries,
			Initial: cfg.Generation.BackoffInitial.Duration,
			Max:     cfg.Generation.BackoffMax.Duration,
		},
	})

	deps := pipeline.Deps{
		Snapshots: holder,
		Retriever: retriever,
		Advisor:   advisor,
		Policy:    policy,
		Metrics:   metrics,
	}
	if reposet != nil {
		deps.Records = &pipeline.RepoRecords{Repo: reposet.LearnerRecord}
	}
	if clients.Delivery != nil {
		deps.Delivery = clients.Delivery
	}
	pipe := pipeline.New(log, deps, pipeline.Config{
		AllowGlobalCohortFallback: cfg.Risk.AllowGlobalCohortFallback,
		Counterfactual: counterfactual.Config{
			Plans:         cfg.Risk.CounterfactualPlans,
			MaxIterations: cfg.Risk.CounterfactualIterations,
		},
		BatchConcurrency: cfg.Risk.BatchConcurrency,
		BatchMaxItems:    cfg.Risk.BatchMaxItems,
	})

	return Services{
		Snapshots: holder,
		Refresher: refresher,
		Retriever: retriever,
		Advisor:   advisor,
		Policy:    policy,
		Pipeline:  pipe,
	}, nil
}

// SnapshotOptions maps serving config onto snapshot activation settings.
func SnapshotOptions(cfg *config.Config, cache explain.Cache) snapshot.Options {
	return snapshot.Options{
		Explain: explain.Options{
			ShapleySamples: cfg.Risk.ShapleySamples,
			Rules:          explain.RuleConfig{PrecisionThreshold: cfg.Risk.RulePrecision},
		},
		ColdStartK:  cfg.Risk.ColdStartK,
		Constraints: Constraints(cfg.Risk.Feasibility),
		Cache:       cache,
	}
}

// Constraints converts configured feasibility bounds. An empty map keeps the
// bundle's own table.
func Constraints(in map[string]config.BoundConfig) counterfactual.Constraints {
	if len(in) == 0 {
		return nil
	}
	out := make(counterfactual.Constraints, len(in))
	for name, b := range in {
		out[name] = counterfactual.Bound{MinMultiplier: b.MinMultiplier, MaxMultiplier: b.MaxMultiplier, Ceiling: b.Ceiling}
	}
	return out
}

func explanationCache(cfg *config.Config, clients *Clients) explain.Cache {
	if clients.ExplainCache != nil {
		return clients.ExplainCache
	}
	return explain.NewMemoryCache(cfg.Risk.ExplanationCacheSize)
}

// ObjectStore returns the object store as a snapshot.ObjectStore, or a nil
// interface when none is configured.
func (c *Clients) ObjectStore() snapshot.ObjectStore {
	if c == nil || c.Objects == nil {
		return nil
	}
	return c.Objects
}

func snapshotSource(cfg *config.Config, clients *Clients, reposet *repos.Repos) (snapshot.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Snapshot.Source)) {
	case "", "file":
		return &snapshot.FileSource{Path: cfg.Snapshot.Path, Objects: clients.ObjectStore()}, nil
	case "db":
		if reposet == nil {
			return nil, fmt.Errorf("snapshot source db requires a database")
		}
		return &snapshot.DBSource{Repo: reposet.ModelSnapshot, Key: cfg.Snapshot.ModelKey}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot source %q", cfg.Snapshot.Source)
	}
}

func rebuildKnowledge(ctx context.Context, cfg *config.Config, clients *Clients, retriever *knowledge.Retriever) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var objects knowledge.ObjectReader
	if clients.Objects != nil {
		objects = clients.Objects
	}
	corpus, err := knowledge.LoadCorpus(ctx, cfg.Knowledge.CorpusPath, objects)
	if err != nil {
		return err
	}

	var embedder knowledge.Embedder
	if clients.Embedder != nil {
		e, err := knowledge.NewEngineEmbedder(ctx, clients.Embedder, cfg.Embedding.Model)
		if err != nil {
			return err
		}
		embedder = e
	} else {
		embedder = knowledge.FitTFIDF(knowledge.Documents(corpus), 0)
	}

	var index knowledge.Index
	if clients.Qdrant != nil {
		index = knowledge.NewQdrantIndex(clients.Qdrant, cfg.Knowledge.Namespace)
	} else {
		index = knowledge.NewMemoryIndex()
	}
	return retriever.Rebuild(ctx, corpus, embedder, index)
}
