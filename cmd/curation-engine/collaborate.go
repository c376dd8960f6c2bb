// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/curation-engine/internal/artifact"
	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/discourse"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/pkg/types"
)

var collaborateCmd = &cobra.Command{
	Use:   "collaborate",
	Short: "Join a round-table discussion of a topic",
	Long: `Collaborate invites experts to discuss the topic, runs a few warm-up
turns, then reads from stdin:

  <text>    ask the round table a question
  <empty>   let the moderator pick the next speaker
  /report   write the report and finish
  /quit     leave without a report

The report is built from the mind-map of everything discussed and is
written to <output-dir>/<topic-slug>/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		user, _ := cmd.Flags().GetString("user")
		noPersist, _ := cmd.Flags().GetBool("no-persist")

		bind(cmd, "output_dir", "output-dir")
		bind(cmd, "experts", "experts")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		s, err := openSession(ctx, cfg, !noPersist)
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.pipeline.Collaborate(ctx, topic, user)
		if err != nil {
			return err
		}
		return roundTable(ctx, sess, cfg, os.Stdin, os.Stdout)
	},
}

// roundTable warms the session up and then drives it from in until the
// user asks for the report, quits, or in is exhausted. EOF writes the report.
// Automatic turns run in the background so that a question typed while one
// is in flight preempts it.
func roundTable(ctx context.Context, sess *pipeline.Session, cfg types.CurationConfig, in io.Reader, out io.Writer) error {
	names := make([]string, len(sess.Experts))
	for i, e := range sess.Experts {
		names[i] = e.Name
	}
	fmt.Fprintf(out, "experts: %s\n", strings.Join(names, ", "))
	if err := sess.Manager.WarmUp(ctx); err != nil {
		return err
	}
	for _, t := range sess.Manager.Turns() {
		printTurn(out, t)
	}

	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(in, done)

	var (
		step       chan turnResult
		cancelStep context.CancelFunc = func() {}
	)
	// finish waits for the automatic turn in flight, if any.
	finish := func(cancel bool) error {
		if step == nil {
			return nil
		}
		if cancel {
			cancelStep()
		}
		r := <-step
		step = nil
		cancelStep()
		return showTurn(out, r, false)
	}
	defer func() { _ = finish(true) }()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return backend.Cancelled(ctx.Err())

		case r := <-step:
			step = nil
			cancelStep()
			if err := showTurn(out, r, true); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				if err := finish(false); err != nil {
					return err
				}
				if err := <-readErr; err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
				return report(ctx, sess, cfg, out)
			}
			switch line {
			case "/quit":
				return nil
			case "/report":
				if err := finish(false); err != nil {
					return err
				}
				return report(ctx, sess, cfg, out)
			case "":
				if step != nil {
					fmt.Fprintln(out, "(turn in progress)")
					continue
				}
				var stepCtx context.Context
				stepCtx, cancelStep = context.WithCancel(ctx)
				step = make(chan turnResult, 1)
				go func(ch chan<- turnResult) {
					t, err := sess.Manager.Step(stepCtx)
					ch <- turnResult{t, err}
				}(step)
			default:
				t, err := sess.Manager.Inject(ctx, line)
				if err := showTurn(out, turnResult{t, err}, true); err != nil {
					return err
				}
			}
		}
	}
}

type turnResult struct {
	turn types.Turn
	err  error
}

// showTurn prints r. Only cancellation is returned as an error.
func showTurn(out io.Writer, r turnResult, prompt bool) error {
	switch {
	case r.err == nil:
		printTurn(out, r.turn)
	case errors.Is(r.err, discourse.ErrPreempted):
		// The user's turn replaced it.
		return nil
	case errors.Is(r.err, discourse.ErrNoQuestion):
		fmt.Fprintln(out, "(no turn)")
	case backend.IsCancelled(r.err):
		return r.err
	default:
		fmt.Fprintf(out, "(turn failed: %v)\n", r.err)
	}
	if prompt {
		fmt.Fprint(out, "> ")
	}
	return nil
}

// readLines sends trimmed lines of in until EOF or done is closed. The
// scanner error, possibly nil, is sent on the second channel after lines is
// closed.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

func report(ctx context.Context, sess *pipeline.Session, cfg types.CurationConfig, out io.Writer) error {
	res, err := sess.Report(ctx)
	if res == nil || len(res.Article.Sections) == 0 {
		return err
	}
	summary, werr := artifact.Write(artifact.Dir(cfg.OutputDir, res.Topic), res)
	if werr != nil {
		return werr
	}
	printWarnings(res.Warnings)
	checkCitations(out, summary.Dir)
	fmt.Fprintf(out, "wrote %d files to %s\n", len(summary.Files), summary.Dir)
	return err
}

func printTurn(out io.Writer, t types.Turn) {
	fmt.Fprintf(out, "\n%s: %s\n", t.Speaker, t.Question)
	if t.Answer != "" {
		fmt.Fprintf(out, "  %s\n", t.Answer)
	}
}

func init() {
	collaborateCmd.Flags().String("topic", "", "topic to discuss (required)")
	collaborateCmd.Flags().String("user", "You", "name shown for your turns")
	collaborateCmd.Flags().Int("experts", 0, "number of experts at the table (default from config)")
	collaborateCmd.Flags().String("output-dir", "", "directory for run artifacts (default from config: output)")
	collaborateCmd.Flags().Bool("no-persist", false, "do not save knowledge to the local database")
	_ = collaborateCmd.MarkFlagRequired("topic")

	rootCmd.AddCommand(collaborateCmd)
}
