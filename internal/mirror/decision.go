package mirror

import (
	"fmt"

	"github.com/rs/zerolog"
)

type Action int

const (
	ActionNoOp Action = iota
	ActionWrite
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "noop"
	case ActionWrite:
		return "write"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is computed per document and never persisted. LocalMTime and
// RemoteMTime are whole seconds.
type Decision struct {
	Action      Action
	Path        string
	LocalMTime  int64
	RemoteMTime int64
	Reason      string
}

type EngineOptions struct {
	DryRun bool
	Logger zerolog.Logger
}

// Engine compares remote documents with the local mirror and applies the
// result through a Filesystem.
type Engine struct {
	fs     Filesystem
	dryRun bool
	logger zerolog.Logger
}

func NewEngine(fs Filesystem, opts EngineOptions) (*Engine, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	return &Engine{fs: fs, dryRun: opts.DryRun, logger: opts.Logger}, nil
}

func (e *Engine) DryRun() bool {
	return e.dryRun
}

func (e *Engine) Decide(doc Document) Decision {
	if doc.Deleted {
		if e.fs.Exists(doc.Path) {
			return Decision{Action: ActionDelete, Path: doc.Path, Reason: "deleted remotely"}
		}
		return Decision{Action: ActionNoOp, Path: doc.Path, Reason: "deleted remotely, absent locally"}
	}
	local := e.fs.MTime(doc.Path)
	remote := doc.RemoteMTime()
	d := Decision{Path: doc.Path, LocalMTime: local, RemoteMTime: remote}
	if local >= remote {
		d.Action = ActionNoOp
		d.Reason = "up to date"
		return d
	}
	d.Action = ActionWrite
	if local < 0 {
		d.Reason = "new"
	} else {
		d.Reason = "remote newer"
	}
	return d
}

// Apply executes d for doc. In dry-run mode it only logs. Failures are
// returned as *WriteError.
func (e *Engine) Apply(d Decision, doc Document) error {
	switch d.Action {
	case ActionNoOp:
		return nil
	case ActionWrite:
		if e.dryRun {
			e.logger.Info().Str("path", d.Path).Int64("remote", d.RemoteMTime).Int64("local", d.LocalMTime).Msg("[dry run] would write")
			return nil
		}
		content, err := doc.Payload()
		if err != nil {
			return &WriteError{Path: d.Path, Err: err}
		}
		if err := e.fs.Write(d.Path, content, d.RemoteMTime*1000); err != nil {
			return &WriteError{Path: d.Path, Err: err}
		}
		return nil
	case ActionDelete:
		if e.dryRun {
			e.logger.Info().Str("path", d.Path).Msg("[dry run] would delete")
			return nil
		}
		if err := e.fs.Delete(d.Path); err != nil {
			return &WriteError{Path: d.Path, Err: err}
		}
		e.logger.Info().Str("path", d.Path).Msg("deleted file")
		return nil
	default:
		return &WriteError{Path: d.Path, Err: fmt.Errorf("unknown action %s", d.Action)}
	}
}
