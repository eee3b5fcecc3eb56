package risk_model_train

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

const (
	SourceSynthetic = "synthetic"
	SourceCSV       = "csv"
	SourceDB        = "db"
)

type Request struct {
	// Source is synthetic, csv or db.
	Source    string
	CSVPath   string
	Limit     int
	Synthetic training.SyntheticConfig

	// OutputPath is a local path or gs:// uri; empty skips the file sink.
	OutputPath string
	SaveDB     bool
	ModelKey   string
	Activate   bool
	Notify     bool
}

type Result struct {
	Version  string
	Kind     string
	MeanF1   float64
	Records  int
	Path     string
	Stored   bool
	Notified bool
	Duration time.Duration
}

func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{}
	if !req.SaveDB && strings.TrimSpace(req.OutputPath) == "" {
		return res, fmt.Errorf("risk_model_train: no output configured")
	}
	if req.SaveDB && p.models == nil {
		return res, fmt.Errorf("risk_model_train: database output requested but no model snapshot repo")
	}

	p.log.Info("loading training records", "source", req.Source)
	recs, err := p.load(ctx, req)
	if err != nil {
		return res, fmt.Errorf("risk_model_train: load: %w", err)
	}
	res.Records = len(recs)

	b, err := training.New(p.log, p.cfg).Train(ctx, recs)
	if err != nil {
		return res, fmt.Errorf("risk_model_train: train: %w", err)
	}

	if req.SaveDB {
		key := strings.TrimSpace(req.ModelKey)
		if key == "" {
			key = "learner_risk"
		}
		if _, err := snapshot.SaveDB(ctx, p.models, key, b, req.Activate); err != nil {
			return res, fmt.Errorf("risk_model_train: save db: %w", err)
		}
		res.Stored = true
	}
	if path := strings.TrimSpace(req.OutputPath); path != "" {
		if err := snapshot.SaveFile(ctx, b, path, p.objects); err != nil {
			return res, fmt.Errorf("risk_model_train: save file: %w", err)
		}
		res.Path = path
	}
	res.Version = b.Version
	res.Kind = string(b.Model.Kind)
	for _, c := range b.Metrics.Candidates {
		if c.Kind == b.Model.Kind {
			res.MeanF1 = c.MeanF1
		}
	}

	if req.Notify && p.notify != nil {
		if err := p.notify.PublishRefresh(ctx, b.Version); err != nil {
			p.log.Warn("snapshot refresh notice failed", "version", b.Version, "error", err)
		} else {
			res.Notified = true
		}
	}
	res.Duration = time.Since(start)
	p.log.Info("risk model trained",
		"version", res.Version,
		"model_kind", res.Kind,
		"mean_f1", res.MeanF1,
		"records", res.Records,
		"stored", res.Stored,
		"path", res.Path,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) load(ctx context.Context, req Request) ([]training.Record, error) {
	switch strings.ToLower(strings.TrimSpace(req.Source)) {
	case SourceSynthetic, "":
		return training.Synthetic(req.Synthetic), nil
	case SourceCSV:
		if strings.TrimSpace(req.CSVPath) == "" {
			return nil, fmt.Errorf("csv source needs a path")
		}
		f, err := os.Open(req.CSVPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return training.LoadCSV(f)
	case SourceDB:
		if p.records == nil {
			return nil, fmt.Errorf("db source needs a learner record repo")
		}
		return training.LoadRepo(ctx, p.records, req.Limit)
	default:
		return nil, fmt.Errorf("unknown training source %q", req.Source)
	}
}
