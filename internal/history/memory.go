package history

import (
	"context"
	"sync"

	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

type MemoryRecorder struct {
	mu      sync.Mutex
	reports []mirror.Report
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, report mirror.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *MemoryRecorder) Recent(_ context.Context, limit int) ([]mirror.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.reports, limit), nil
}

// Reports returns every recorded report in insertion order.
func (r *MemoryRecorder) Reports() []mirror.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mirror.Report, len(r.reports))
	copy(out, r.reports)
	return out
}

func (r *MemoryRecorder) Close() error {
	return nil
}
