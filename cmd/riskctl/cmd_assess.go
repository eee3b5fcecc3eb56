package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-risk/internal/app"
	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
)

func newAssessCommand() *cobra.Command {
	var (
		snapshotPath string
		input        string
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess learners against a snapshot without starting the server",
		Long: `Run the assessment pipeline once.

--input is a JSON file ("-" for stdin) holding either one request object or an
array of requests. Arrays are assessed as a batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(snapshotPath) != "" {
				cfg.Snapshot.Source = "file"
				cfg.Snapshot.Path = snapshotPath
			}
			raw, err := readInput(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}
			out, err := assess(cmd.Context(), cfg, raw)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Snapshot file or gs:// uri (default snapshot.path)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "Request JSON file, or - for stdin")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func assess(ctx context.Context, cfg *config.Config, raw []byte) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := app.NewLogger()
	if err != nil {
		return nil, err
	}
	defer log.Sync()

	a, err := app.New(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	if a.Services.Snapshots.Load() == nil {
		return nil, fmt.Errorf("no snapshot could be loaded from %s", cfg.Snapshot.Path)
	}

	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var reqs []pipeline.Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("decode requests: %w", err)
		}
		return a.Services.Pipeline.AssessBatch(ctx, reqs)
	}
	var req pipeline.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return a.Services.Pipeline.Assess(ctx, req)
}
