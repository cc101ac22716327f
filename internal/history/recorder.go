// Package history stores the reports of finished replication runs. Reports
// are informational; they never influence what a later run downloads.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

var ErrInvalidDSN = errors.New("invalid report dsn")

type Recorder interface {
	Record(ctx context.Context, report mirror.Report) error
	// Recent returns up to limit reports, newest first.
	Recent(ctx context.Context, limit int) ([]mirror.Report, error)
	Close() error
}

type RecorderFactory func(dsn string) (Recorder, error)

var recorderRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecorderFactory
}{
	factories: map[string]RecorderFactory{},
}

func RegisterRecorderFactory(scheme string, factory RecorderFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recorderRegistry.mu.Lock()
	defer recorderRegistry.mu.Unlock()
	recorderRegistry.factories[scheme] = factory
}

func lookupRecorderFactory(scheme string) (RecorderFactory, bool) {
	scheme = normalizeScheme(scheme)
	recorderRegistry.mu.RLock()
	defer recorderRegistry.mu.RUnlock()
	factory, ok := recorderRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildRecorderFromDSN returns nil when dsn is empty.
func BuildRecorderFromDSN(dsn string) (Recorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRecorderFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(scheme, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileRecorder(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryRecorder(), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(scheme, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteRecorder(path)
	case "postgres", "postgresql":
		return NewPostgresRecorder(dsn)
	default:
		return nil, fmt.Errorf("unsupported report backend scheme: %s", scheme)
	}
}

// dsnPath takes everything after "scheme://" so relative paths survive.
func dsnPath(scheme, raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if scheme != "" {
		if idx := strings.Index(path, "://"); idx >= 0 {
			path = path[idx+len("://"):]
		} else if idx := strings.Index(path, ":"); idx >= 0 {
			path = path[idx+1:]
		}
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: %s has no path", ErrInvalidDSN, raw)
	}
	return path, nil
}
