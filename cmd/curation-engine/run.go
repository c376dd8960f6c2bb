// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/artifact"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Research a topic and write a cited article",
	Long: `Run discovers perspectives on the topic, simulates one conversation per
perspective with a grounded expert, synthesizes an outline, and writes a
cited article. Artifacts go to <output-dir>/<topic-slug>/.

An outline file (YAML or Markdown headings) skips outline synthesis.
--resume seeds the knowledge table with the entries saved by an earlier
run (see "knowledge runs").
A run interrupted with Ctrl-C writes whatever sections were finished and
is marked incomplete.`,
	Example: `  curation-engine run --topic "Saturn V"
  curation-engine run --topic "Saturn V" --outline saturn.md --no-summary
  curation-engine run --topic "Saturn V" --resume 3f2a9c1e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		outlinePath, _ := cmd.Flags().GetString("outline")
		noSummary, _ := cmd.Flags().GetBool("no-summary")
		noPersist, _ := cmd.Flags().GetBool("no-persist")
		resume, _ := cmd.Flags().GetString("resume")

		bind(cmd, "output_dir", "output-dir")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if noSummary {
			cfg.Summary = false
		}

		opts := pipeline.RunOptions{Resume: resume}
		if outlinePath != "" {
			if opts.Outline, err = artifact.LoadOutline(outlinePath, topic); err != nil {
				return err
			}
		}

		ctx, stop := signalContext()
		defer stop()

		s, err := openSession(ctx, cfg, !noPersist)
		if err != nil {
			return err
		}
		defer s.Close()

		res, runErr := s.pipeline.Run(ctx, topic, opts)
		if res == nil || len(res.Article.Sections) == 0 {
			return runErr
		}

		summary, err := artifact.Write(artifact.Dir(cfg.OutputDir, res.Topic), res)
		if err != nil {
			return err
		}
		printWarnings(res.Warnings)
		checkCitations(os.Stderr, summary.Dir)
		fmt.Fprintf(os.Stderr, "wrote %d files to %s\n", len(summary.Files), summary.Dir)
		if res.Incomplete {
			fmt.Fprintln(os.Stderr, "article is incomplete")
		}
		return runErr
	},
}

// printWarnings lists run warnings on stderr.
func printWarnings(warnings []types.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "%d warnings:\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", w.Component, w.Subject, w.Message)
	}
}

// checkCitations reports markers in the written article that have no
// entry in references.yaml.
func checkCitations(w io.Writer, dir string) {
	missing, err := artifact.ValidateCitations(dir)
	if err != nil {
		logger.Warn("validating citations", zap.String("dir", dir), zap.Error(err))
		return
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "warning: article cites %v with no reference\n", missing)
	}
}

func init() {
	runCmd.Flags().String("topic", "", "topic to research (required)")
	runCmd.Flags().String("output-dir", "", "directory for run artifacts (default from config: output)")
	runCmd.Flags().String("outline", "", "path to an outline file (YAML or Markdown)")
	runCmd.Flags().Bool("no-summary", false, "skip the lead summary")
	runCmd.Flags().Bool("no-persist", false, "do not save knowledge to the local database")
	runCmd.Flags().String("resume", "", "run ID whose saved knowledge seeds this run")
	_ = runCmd.MarkFlagRequired("topic")

	rootCmd.AddCommand(runCmd)
}
