package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/vaultmirror/internal/config"
	"github.com/agentworkforce/vaultmirror/internal/history"
	"github.com/agentworkforce/vaultmirror/internal/livesync"
	"github.com/agentworkforce/vaultmirror/internal/localfs"
	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

type runOptions struct {
	interval       time.Duration
	intervalJitter float64
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replicate the remote vault into the local directory",
		Long: `Replicate every note of the remote LiveSync database into the local directory.

Files are written when the remote copy is newer than the local one and removed
when the remote note was deleted. Nothing is ever uploaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.interval <= 0 {
				cfg, err := loadConfig(rootOpts, cmd)
				if err != nil {
					return err
				}
				_, err = runOnce(ctx, rootOpts.logger, cfg)
				return err
			}
			return runLoop(ctx, rootOpts, cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.String("local-dir", config.DefaultLocalDir, "local mirror directory")
	flags.String("base-dir", "", "only mirror notes whose path starts with this prefix")
	flags.Bool("dry-run", false, "log the planned changes without touching the local directory")
	flags.Int("concurrency", mirror.DefaultConcurrency, "maximum number of documents fetched at once")
	flags.Duration("request-timeout", mirror.DefaultRequestTimeout, "timeout of a single document fetch")
	flags.String("report-dsn", "", "where to record run reports (file://, sqlite://, postgres://)")
	flags.DurationVar(&opts.interval, "interval", 0, "repeat the replication on this interval (0 runs once)")
	flags.Float64Var(&opts.intervalJitter, "interval-jitter", 0.2, "interval jitter ratio (0.0-1.0)")

	return cmd
}

// runOnce performs one replication with cfg.
func runOnce(ctx context.Context, logger zerolog.Logger, cfg config.Config) (mirror.Report, error) {
	recorder, err := history.BuildRecorderFromDSN(cfg.ReportDSN)
	if err != nil {
		return mirror.Report{}, err
	}
	var runRecorder mirror.Recorder
	if recorder != nil {
		defer recorder.Close()
		runRecorder = recorder
	}

	local, err := localfs.NewOS(cfg.LocalDir)
	if err != nil {
		return mirror.Report{}, err
	}
	logger.Info().
		Str("url", cfg.URL).
		Str("database", cfg.Database).
		Str("localDir", local.Root()).
		Str("baseDir", cfg.BaseDir).
		Bool("dryRun", cfg.DryRun).
		Msg("starting replication")

	replicator, err := mirror.NewReplicator(mirror.ReplicatorOptions{
		Connector: func(ctx context.Context) (mirror.RemoteStore, error) {
			return livesync.Connect(ctx, livesync.Options{
				URL:                 cfg.URL,
				Database:            cfg.Database,
				Username:            cfg.Username,
				Password:            cfg.Password,
				Passphrase:          cfg.Passphrase,
				ObfuscatePassphrase: cfg.ObfuscatePassphrase,
				Algorithm:           cfg.E2EEAlgorithm,
				Iterations:          cfg.PBKDF2Iterations,
				Logger:              logger,
			})
		},
		Filesystem: local,
		Lock: func() (func() error, error) {
			return localfs.Lock(local.Root())
		},
		Recorder:               runRecorder,
		Concurrency:            cfg.Concurrency,
		RequestTimeout:         cfg.RequestTimeout(),
		DryRun:                 cfg.DryRun,
		BaseDir:                cfg.BaseDir,
		LocalDir:               local.Root(),
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ProgressEvery:          cfg.ProgressEvery,
		Logger:                 logger,
	})
	if err != nil {
		return mirror.Report{}, err
	}

	report, err := replicator.Run(ctx)
	if err != nil {
		return report, err
	}
	logger.Info().Msgf("replication completed in %.2fs", report.Duration().Seconds())
	return report, nil
}

// runLoop repeats runOnce until ctx is done. A failed cycle is logged and
// the next one is still scheduled. The config file is reloaded before a
// cycle when it changed.
func runLoop(ctx context.Context, rootOpts *RootOptions, cmd *cobra.Command, opts *runOptions) error {
	logger := rootOpts.logger
	cfg, err := loadConfig(rootOpts, cmd)
	if err != nil {
		return err
	}

	var changed atomic.Bool
	configPath := newLoader(rootOpts).FilePath(rootOpts.ConfigPath)
	stopWatch, err := watchConfig(ctx, configPath, logger, func() { changed.Store(true) })
	if err != nil {
		logger.Warn().Err(err).Str("path", configPath).Msg("config file is not watched")
	} else {
		defer stopWatch()
	}

	cycle := func() {
		if changed.Swap(false) {
			reloaded, err := loadConfig(rootOpts, cmd)
			if err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous config")
			} else {
				logger.Info().Str("path", configPath).Msg("config reloaded")
				cfg = reloaded
			}
		}
		if _, err := runOnce(ctx, logger, cfg); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("replication cycle failed")
		}
	}

	cycle()
	sched := newSchedule(opts.interval, opts.intervalJitter, time.Now().UnixNano())
	pause := sched.next()
	logger.Debug().Dur("pause", pause).Msg("next replication cycle scheduled")
	timer := time.NewTimer(pause)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Err(ctx.Err()).Msg("replication loop stopping")
			return nil
		case <-timer.C:
			cycle()
			pause = sched.next()
			logger.Debug().Dur("pause", pause).Msg("next replication cycle scheduled")
			timer.Reset(pause)
		}
	}
}

// watchConfig calls onChange whenever path is written, created or replaced.
// The parent directory is watched because editors often replace files.
func watchConfig(ctx context.Context, path string, logger zerolog.Logger, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("config file changed")
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					logger.Warn().Err(err).Msg("config watcher error")
				}
			}
		}
	}()
	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}
