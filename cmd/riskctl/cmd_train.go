package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-risk/internal/app"
	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/jobs/pipeline/risk_model_train"
	"github.com/yungbote/neurobridge-risk/internal/platform/shutdown"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

type trainOptions struct {
	source   string
	csvPath  string
	limit    int
	learners int
	seed     int64
	folds    int
	output   string
	saveDB   bool
	modelKey string
	activate bool
	notify   bool
}

func newTrainCommand() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a risk snapshot and publish it",
		Long: `Train a learner risk snapshot from historical records.

Records come from a CSV export, the learner_record table, or the synthetic
generator. The snapshot is written to --output (local path or gs:// uri,
default snapshot.path from config) and optionally stored in the database and
announced to running servers over redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.source, "source", "synthetic", "Record source: synthetic, csv or db")
	f.StringVar(&opts.csvPath, "csv", "", "CSV export to train from (with --source csv)")
	f.IntVar(&opts.limit, "limit", 0, "Maximum records to read from the database (0 = all)")
	f.IntVar(&opts.learners, "learners", 2000, "Synthetic learners to generate")
	f.Int64Var(&opts.seed, "seed", 1, "Seed for synthetic data and cross-validation")
	f.IntVar(&opts.folds, "folds", 5, "Cross-validation folds")
	f.StringVar(&opts.output, "output", "", "Snapshot destination (default snapshot.path)")
	f.BoolVar(&opts.saveDB, "db", false, "Store the snapshot in the model_snapshot table")
	f.StringVar(&opts.modelKey, "model-key", "", "Model key for database storage (default snapshot.model_key)")
	f.BoolVar(&opts.activate, "activate", false, "Mark the stored snapshot active")
	f.BoolVar(&opts.notify, "notify", false, "Publish a refresh notice over redis")

	return cmd
}

func runTrain(cmd *cobra.Command, opts *trainOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(opts.output) != "" {
		cfg.Snapshot.Path = opts.output
	}
	if strings.TrimSpace(opts.modelKey) == "" {
		opts.modelKey = cfg.Snapshot.ModelKey
	}
	// Training never needs the serving-side vector store or engines.
	cfg.Knowledge.Backend = "memory"
	cfg.Generation.Engine.Type = ""
	cfg.Embedding.Engine.Type = ""

	log, err := app.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	clients, err := app.OpenClients(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer clients.Close()

	var (
		records repos.LearnerRecordRepo
		models  repos.ModelSnapshotRepo
	)
	if clients.DB != nil {
		rs := repos.New(clients.DB.DB(), log)
		records, models = rs.LearnerRecord, rs.ModelSnapshot
	}
	var notify risk_model_train.RefreshNotifier
	if clients.RefreshBus != nil {
		notify = clients.RefreshBus
	}

	job := risk_model_train.New(log, records, models, clients.ObjectStore(), notify, training.Config{
		Folds:       opts.folds,
		Seed:        opts.seed,
		Constraints: app.Constraints(cfg.Risk.Feasibility),
	})
	res, err := job.Run(ctx, risk_model_train.Request{
		Source:     opts.source,
		CSVPath:    opts.csvPath,
		Limit:      opts.limit,
		Synthetic:  training.SyntheticConfig{Learners: opts.learners, Seed: opts.seed},
		OutputPath: cfg.Snapshot.Path,
		SaveDB:     opts.saveDB,
		ModelKey:   opts.modelKey,
		Activate:   opts.activate,
		Notify:     opts.notify,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if opts.notify && !res.Notified {
		fmt.Fprintln(os.Stderr, "warning: refresh notice was not published")
	}
	return nil
}
