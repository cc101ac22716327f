package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

// FileRecorder appends one JSON object per line.
type FileRecorder struct {
	Path string
	mu   sync.Mutex
}

func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{Path: strings.TrimSpace(path)}
}

func (r *FileRecorder) Record(_ context.Context, report mirror.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir := filepath.Dir(r.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(r.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *FileRecorder) Recent(_ context.Context, limit int) ([]mirror.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []mirror.Report
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var report mirror.Report
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			return nil, err
		}
		all = append(all, report)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (r *FileRecorder) Close() error {
	return nil
}

// newestFirst reverses reports stored in insertion order and truncates.
func newestFirst(reports []mirror.Report, limit int) []mirror.Report {
	out := make([]mirror.Report, 0, len(reports))
	for i := len(reports) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, reports[i])
	}
	return out
}
