package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

func newGenerateCommand() *cobra.Command {
	var (
		output           string
		learners         int
		seed             int64
		registrationOnly float64
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic learner CSV for training and demos",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs := training.Synthetic(training.SyntheticConfig{
				Learners:         learners,
				Seed:             seed,
				RegistrationOnly: registrationOnly,
			})
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			return training.WriteCSV(w, features.DefaultSchema(), recs)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "CSV destination, or - for stdout")
	cmd.Flags().IntVar(&learners, "learners", 2000, "Number of learners")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().Float64Var(&registrationOnly, "registration-only", 0.1, "Share of learners with no behavioral data")
	return cmd
}
