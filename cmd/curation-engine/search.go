// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/curation-engine/internal/knowledge"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Query the configured retrievers directly",
	Long: `Search sends one query to every enabled retrieval source (Semantic
Scholar, arXiv, and the local knowledge database), deduplicates the
results, and prints them ranked by score.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("max-results")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var store *knowledge.Store
		if cfg.Retrieval.LocalKnowledge {
			if store, err = knowledge.NewStore(cfg.KnowledgeDir, cfg.SearchTopK); err != nil {
				return err
			}
			defer store.Close()
		}
		rm, err := pipeline.NewRetriever(cfg, nil, store, logger)
		if err != nil {
			return err
		}
		if topK <= 0 {
			topK = cfg.SearchTopK
		}

		ctx, stop := signalContext()
		defer stop()

		results, err := rm.Search(ctx, strings.Join(args, " "), topK)
		if err != nil {
			return err
		}
		if jsonOutput {
			return search.FormatJSON(results, os.Stdout)
		}
		search.FormatTable(results, os.Stdout)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("max-results", 0, "maximum number of results to return (default from config)")
	searchCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(searchCmd)
}
