package mirror

import (
	"time"

	"github.com/rs/zerolog"
)

// Stats are owned by the Replicator and only mutated from its consuming
// loop.
type Stats struct {
	TotalScanned    int `json:"totalScanned"`
	Downloaded      int `json:"downloaded"`
	Written         int `json:"written"`
	Deleted         int `json:"deleted"`
	Failed          int `json:"failed"`
	SkippedUpToDate int `json:"skippedUpToDate"`
	SkippedNonNote  int `json:"skippedNonNote"`
	Filtered        int `json:"filtered"`
}

func (s Stats) log(logger zerolog.Logger) {
	logger.Info().Msg("------------------------------------------------")
	logger.Info().Msg("replication summary")
	logger.Info().Int("count", s.TotalScanned).Msg("total scanned")
	logger.Info().Int("count", s.Downloaded).Msg("downloaded/updated")
	logger.Info().Int("count", s.Written).Msg("written")
	logger.Info().Int("count", s.Deleted).Msg("deleted")
	logger.Info().Int("count", s.SkippedUpToDate).Msg("skipped (up-to-date)")
	logger.Info().Int("count", s.Failed).Msg("failed")
	logger.Info().Msg("------------------------------------------------")
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// Report describes one finished run.
type Report struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	LocalDir   string    `json:"localDir,omitempty"`
	BaseDir    string    `json:"baseDir,omitempty"`
	DryRun     bool      `json:"dryRun"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Stats      Stats     `json:"stats"`
}

func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
