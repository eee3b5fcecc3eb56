package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
)

func newCorpusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect the intervention knowledge corpus",
	}
	cmd.AddCommand(newCorpusValidateCommand())
	cmd.AddCommand(newCorpusSearchCommand())
	return cmd
}

func newCorpusValidateCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a corpus file and report its entries and tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := knowledge.LoadCorpus(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, e := range entries {
				for _, tag := range e.Tags {
					counts[tag]++
				}
			}
			tags := make([]string, 0, len(counts))
			for tag := range counts {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d entries\n", len(entries))
			for _, tag := range tags {
				fmt.Fprintf(out, "  %-24s %d\n", tag, counts[tag])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Corpus file (JSON or YAML); empty checks the built-in corpus")
	return cmd
}

func newCorpusSearchCommand() *cobra.Command {
	var (
		path string
		k    int
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a retrieval query against the corpus with the local embedder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			entries, err := knowledge.LoadCorpus(ctx, path, nil)
			if err != nil {
				return err
			}
			r := knowledge.NewRetriever(logger.Nop(), k)
			if err := r.Rebuild(ctx, entries, knowledge.FitTFIDF(knowledge.Documents(entries), 0), knowledge.NewMemoryIndex()); err != nil {
				return err
			}
			res, err := r.Search(ctx, knowledge.Query{Text: strings.Join(args, " "), Filter: tags})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Corpus file; empty uses the built-in corpus")
	cmd.Flags().IntVarP(&k, "top", "k", 3, "Entries to return")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only return entries carrying any of these tags")
	return cmd
}
