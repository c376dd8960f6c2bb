// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the curation-engine CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/config"
	"github.com/pdiddy/curation-engine/internal/pipeline"
	"github.com/pdiddy/curation-engine/internal/secrets"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	// logger is built in PersistentPreRunE from --verbose.
	logger = zap.NewNop()

	// loadedSecrets holds API keys loaded from .secrets/ at startup.
	loadedSecrets map[string]string

	// v is the viper instance commands bind their flags to.
	v = config.New("")
)

// rootCmd is the base command for the curation-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "curation-engine",
	Short: "Research a topic and write a cited, Wikipedia-style article",
	Long: `curation-engine researches a topic by simulating conversations between
writers with different perspectives and a grounded expert, collects what they
learn into a deduplicated knowledge table, and writes an outlined article with
inline citations.

Use run for the automatic pipeline and collaborate for a round-table session
you can join. Knowledge from earlier runs is kept in a local SQLite database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		l, err := newLogger(verbose)
		if err != nil {
			return err
		}
		logger = l

		s, err := secrets.Load(secrets.DefaultDir, logger)
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			logger.Debug("loaded secrets", zap.Strings("keys", secrets.Names(s)))
		}

		cfgFile, _ := cmd.Flags().GetString("config")
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		used, err := config.ReadInConfig(v)
		if err != nil {
			return err
		}
		if used != "" {
			logger.Info("using config file", zap.String("path", used))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// loadConfig decodes and validates the configuration after flags are bound.
func loadConfig() (types.CurationConfig, error) {
	return config.Load(v, loadedSecrets)
}

// bind binds a command flag to a viper key. Commands call it from RunE so
// that two commands sharing a key do not overwrite each other's binding.
func bind(cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding --%s: %v", flag, err))
	}
}

// session bundles what a curation command needs and closes it in order.
type session struct {
	cfg      types.CurationConfig
	backends *pipeline.Backends
	sink     *telemetry.Sink
	pipeline *pipeline.Pipeline
}

// openSession builds the backends and the pipeline for cfg.
func openSession(ctx context.Context, cfg types.CurationConfig, persist bool) (*session, error) {
	b, err := pipeline.OpenBackends(ctx, cfg, persist, logger)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, backends: b, sink: telemetry.NewSink(logger, 0)}

	deps := b.Deps()
	deps.Sink = s.sink
	deps.Metrics = telemetry.NewMetrics("curation_engine")
	deps.Logger = logger
	deps.Progress = os.Stderr
	if s.pipeline, err = pipeline.New(cfg, deps); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	s.sink.Close()
	if err := s.backends.Close(); err != nil {
		logger.Warn("closing backends", zap.Error(err))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./curation-engine.yaml or ~/.config/curation-engine/curation-engine.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ce *backend.ConfigurationError
		if errors.As(err, &ce) {
			for _, p := range ce.Problems {
				fmt.Fprintln(os.Stderr, "config:", p)
			}
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
