// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/curation-engine/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Query and export the persistent knowledge database",
	Long: `Knowledge works with the SQLite database that every run saves its
knowledge table to. Entries are indexed with FTS5 and can be searched
across runs, filtered to one run, or exported.`,
}

// --- retrieve subcommand ---

var knowledgeRetrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Full-text search over saved knowledge entries",
	RunE:  runKnowledgeRetrieve,
}

func runKnowledgeRetrieve(cmd *cobra.Command, args []string) error {
	opts := queryOptsFromFlags(cmd, args)
	if opts.IsEmpty() {
		return fmt.Errorf("query or filter required: provide a search query or --run")
	}

	store, err := openKnowledge()
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.Retrieve(context.Background(), opts)
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-4s  %-60s  %-20s  %s\n", "Rank", "Entry", "Topic", "Sources")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for i, r := range results {
		fmt.Fprintf(os.Stdout, "%-4d  %-60s  %-20s  %d\n",
			i+1, clip(r.Text, 60), clip(r.Topic, 20), len(r.Sources))
	}
	fmt.Fprintf(os.Stdout, "\n%d results\n", len(results))
	return nil
}

// --- export subcommand ---

var knowledgeExportCmd = &cobra.Command{
	Use:   "export [query]",
	Short: "Export saved entries to YAML or JSON",
	Long: `Export writes the knowledge database (or the subset matching a query
or --run) to export.yaml or export.json in the knowledge directory.`,
	RunE: runKnowledgeExport,
}

func runKnowledgeExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	store, err := openKnowledge()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := queryOptsFromFlags(cmd, args)
	var path string
	switch format {
	case "yaml", "":
		path, err = store.ExportYAML(context.Background(), opts)
	case "json":
		path, err = store.ExportJSON(context.Background(), opts)
	default:
		return fmt.Errorf("unsupported format %q: use yaml or json", format)
	}
	if err != nil {
		return err
	}
	fmt.Println("Exported to", path)
	return nil
}

// --- runs subcommand ---

var knowledgeRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List saved runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openKnowledge()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.Runs(context.Background())
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs saved.")
			return nil
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-30s  %s\n", "Run", "Created", "Topic", "Entries")
		for _, r := range runs {
			fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-30s  %d\n", r.ID, r.CreatedAt, clip(r.Topic, 30), r.Entries)
		}
		return nil
	},
}

// --- shared helpers ---

func openKnowledge() (*knowledge.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return knowledge.NewStore(cfg.KnowledgeDir, cfg.SearchTopK)
}

func queryOptsFromFlags(cmd *cobra.Command, args []string) knowledge.QueryOptions {
	runID, _ := cmd.Flags().GetString("run")
	limit, _ := cmd.Flags().GetInt("limit")
	return knowledge.QueryOptions{
		Query:      strings.Join(args, " "),
		RunID:      runID,
		MaxResults: limit,
	}
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	knowledgeRetrieveCmd.Flags().String("run", "", "restrict to one saved run")
	knowledgeRetrieveCmd.Flags().Int("limit", 0, "maximum number of entries (default from config)")
	knowledgeRetrieveCmd.Flags().Bool("json", false, "output results as JSON")
	knowledgeExportCmd.Flags().String("run", "", "restrict to one saved run")
	knowledgeExportCmd.Flags().String("format", "yaml", "export format: yaml or json")

	knowledgeCmd.AddCommand(knowledgeRetrieveCmd, knowledgeExportCmd, knowledgeRunsCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
