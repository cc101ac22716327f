package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxConsecutiveFailures = 10
	DefaultProgressEvery          = 50

	// loggedFailureLimit caps warn-level failure lines per run; the circuit
	// breaker ends runaway runs anyway.
	loggedFailureLimit = 5
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateScanning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Recorder receives the report of every finished run.
type Recorder interface {
	Record(ctx context.Context, report Report) error
}

// LockFunc takes exclusive ownership of the mirror for one run. Dry runs
// do not take it.
type LockFunc func() (unlock func() error, err error)

type ReplicatorOptions struct {
	Connector              Connector
	Filesystem             Filesystem
	Lock                   LockFunc
	Recorder               Recorder
	Concurrency            int
	RequestTimeout         time.Duration
	DryRun                 bool
	BaseDir                string
	LocalDir               string
	MaxConsecutiveFailures int
	ProgressEvery          int
	Logger                 zerolog.Logger
}

// Replicator drives one replication run at a time: connect, enumerate,
// decide and apply, then summarize.
type Replicator struct {
	opts   ReplicatorOptions
	engine *Engine
	logger zerolog.Logger
	state  atomic.Int32
	stats  Stats
	now    func() time.Time
}

func NewReplicator(opts ReplicatorOptions) (*Replicator, error) {
	if opts.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	engine, err := NewEngine(opts.Filesystem, EngineOptions{DryRun: opts.DryRun, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return &Replicator{
		opts:   opts,
		engine: engine,
		logger: opts.Logger,
		now:    time.Now,
	}, nil
}

func (r *Replicator) State() State {
	return State(r.state.Load())
}

func (r *Replicator) setState(s State) {
	r.state.Store(int32(s))
}

// Run performs one replication. The remote store is closed on every exit
// path before a fatal error is returned.
func (r *Replicator) Run(ctx context.Context) (report Report, err error) {
	r.stats = Stats{}
	report = Report{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
		LocalDir:  r.opts.LocalDir,
		BaseDir:   r.opts.BaseDir,
		DryRun:    r.opts.DryRun,
	}
	r.logger.Info().Str("run", report.RunID).Msg("initializing replication service")

	defer func() {
		report.FinishedAt = r.now()
		report.Stats = r.stats
		if err != nil {
			r.setState(StateAborted)
			report.Outcome = OutcomeAborted
			report.Error = err.Error()
			r.logger.Error().Err(err).Msg("fatal error during replication flow")
		} else {
			r.setState(StateCompleted)
			report.Outcome = OutcomeCompleted
		}
		r.record(ctx, report)
	}()

	if r.opts.Lock != nil && !r.opts.DryRun {
		unlock, lockErr := r.opts.Lock()
		if lockErr != nil {
			return report, lockErr
		}
		defer func() {
			if unlockErr := unlock(); unlockErr != nil {
				r.logger.Warn().Err(unlockErr).Msg("failed to release mirror lock")
			}
		}()
	}

	r.setState(StateConnecting)
	store, err := r.opts.Connector(ctx)
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Err: err}
		}
		return report, err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			r.logger.Warn().Err(closeErr).Msg("failed to close remote connection")
		}
	}()

	r.setState(StateScanning)
	if err := r.scan(ctx, store); err != nil {
		return report, err
	}
	r.stats.log(r.logger)
	return report, nil
}

func (r *Replicator) scan(ctx context.Context, store RemoteStore) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	enumerator, err := NewEnumerator(store, EnumeratorOptions{
		Concurrency:    r.opts.Concurrency,
		RequestTimeout: r.opts.RequestTimeout,
		Logger:         r.logger,
	})
	if err != nil {
		return err
	}
	outcomes, err := enumerator.Enumerate(scanCtx)
	if err != nil {
		return err
	}

	total := 0
	consecutiveFailures := 0
	fetchFailures := 0
	for outcome := range outcomes {
		switch outcome.Kind {
		case OutcomeMeta:
			total = outcome.Total
			continue
		case OutcomeSkipped:
			r.stats.SkippedNonNote++
			continue
		case OutcomeFailed:
			r.stats.TotalScanned++
			r.stats.Failed++
			fetchFailures++
			consecutiveFailures++
			r.logFetchFailure(fetchFailures, outcome)
			if consecutiveFailures >= r.opts.MaxConsecutiveFailures {
				cancel()
				return &CircuitBreakerError{
					Threshold: r.opts.MaxConsecutiveFailures,
					LastID:    outcome.ID,
					Err:       outcome.Err,
				}
			}
		case OutcomeDoc:
			r.stats.TotalScanned++
			consecutiveFailures = 0
			r.syncDocument(outcome.Document)
			if r.stats.TotalScanned%r.opts.ProgressEvery == 0 {
				r.logger.Info().Int("scanned", r.stats.TotalScanned).Int("total", total).Msg("progress")
			}
		}
	}
	// The channel also closes early when ctx is cancelled from outside.
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (r *Replicator) logFetchFailure(n int, outcome FetchOutcome) {
	event := r.logger.Warn()
	if n > loggedFailureLimit {
		event = r.logger.Debug()
	}
	event.Str("id", outcome.ID).Err(outcome.Err).Msg("fetch/decrypt failed")
}

func (r *Replicator) syncDocument(doc Document) {
	if r.opts.BaseDir != "" && !strings.HasPrefix(doc.Path, r.opts.BaseDir) {
		r.stats.Filtered++
		return
	}
	if strings.TrimSpace(doc.Path) == "" {
		r.stats.Failed++
		r.logger.Warn().Str("id", doc.ID).Msg("document has no path")
		return
	}

	decision := r.engine.Decide(doc)
	switch decision.Action {
	case ActionNoOp:
		if !doc.Deleted {
			r.stats.SkippedUpToDate++
		}
		return
	case ActionWrite:
		r.logger.Info().
			Str("path", doc.Path).
			Int64("remote", decision.RemoteMTime).
			Int64("local", decision.LocalMTime).
			Str("reason", decision.Reason).
			Msg("downloading")
		r.stats.Downloaded++
	case ActionDelete:
		r.stats.Deleted++
	}

	if err := r.engine.Apply(decision, doc); err != nil {
		r.stats.Failed++
		r.logger.Error().Err(err).Str("path", doc.Path).Msg("failed to sync file")
		return
	}
	if decision.Action == ActionWrite && !r.engine.DryRun() {
		r.stats.Written++
	}
}

func (r *Replicator) record(ctx context.Context, report Report) {
	if r.opts.Recorder == nil {
		return
	}
	// Recording still happens when ctx was cancelled by a signal.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Recorder.Record(recordCtx, report); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record run report")
	}
}
