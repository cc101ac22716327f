package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/vaultmirror/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	getenv func(string) string
	logger zerolog.Logger
}

var validLogFormats = []string{"console", "json"}

func NewRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{getenv: getenv, logger: zerolog.Nop()}

	cmd := &cobra.Command{
		Use:           "vaultmirror",
		Short:         "Mirror an encrypted LiveSync vault into a local directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (.json, .jsonc, .yaml); defaults to $LIVESYNC_CONFIG or config.json")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "log format (console|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch format {
	case "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q: must be one of %v", format, validLogFormats)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func newLoader(opts *RootOptions) *config.Loader {
	loader := config.NewLoader(opts.logger)
	if opts.getenv != nil {
		loader.Getenv = opts.getenv
	}
	return loader
}

// loadConfig resolves the effective configuration. Flags the user set on
// cmd win over the environment and the config file.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	loader := newLoader(opts)
	cfg, err := loader.Load(loader.FilePath(opts.ConfigPath))
	if err != nil {
		return config.Config{}, err
	}
	applyFlagOverrides(cmd, &cfg)
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("local-dir") {
		cfg.LocalDir, _ = flags.GetString("local-dir")
	}
	if flags.Changed("base-dir") {
		cfg.BaseDir, _ = flags.GetString("base-dir")
	}
	if flags.Changed("dry-run") {
		cfg.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("request-timeout") {
		timeout, _ := flags.GetDuration("request-timeout")
		cfg.RequestTimeoutMillis = int(timeout / time.Millisecond)
	}
	if flags.Changed("report-dsn") {
		cfg.ReportDSN, _ = flags.GetString("report-dsn")
	}
}
