package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "riskctl",
		Short: "Offline tooling for the learner risk service",
		Long: `riskctl trains and inspects learner risk snapshots.

It shares configuration with the server: defaults, then the config file
named by RISK_CONFIG_PATH, then environment overrides.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.AddCommand(newTrainCommand())
	cmd.AddCommand(newAssessCommand())
	cmd.AddCommand(newCorpusCommand())
	cmd.AddCommand(newGenerateCommand())

	return cmd
}
