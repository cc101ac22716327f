package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

const (
	runsTableName    = "vaultmirror_runs"
	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	driver      string
	createTable string
	placeholder func(n int) string
}

var postgresDialect = dialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			local_dir TEXT NOT NULL,
			base_dir TEXT NOT NULL,
			dry_run BOOLEAN NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL,
			stats TEXT NOT NULL
		)`,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			local_dir TEXT NOT NULL,
			base_dir TEXT NOT NULL,
			dry_run BOOLEAN NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL,
			stats TEXT NOT NULL
		)`,
	placeholder: func(int) string { return "?" },
}

// SQLRecorder writes reports to a table that is created on first use.
type SQLRecorder struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecorder(dsn string) (*SQLRecorder, error) {
	return newSQLRecorder(postgresDialect, dsn)
}

func NewSQLiteRecorder(path string) (*SQLRecorder, error) {
	return newSQLRecorder(sqliteDialect, path)
}

func newSQLRecorder(d dialect, dsn string) (*SQLRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &SQLRecorder{
		dsn:       dsn,
		tableName: runsTableName,
		dialect:   d,
		openDB:    sql.Open,
	}, nil
}

func (r *SQLRecorder) Record(ctx context.Context, report mirror.Report) error {
	if err := r.ensureReady(ctx); err != nil {
		return err
	}
	stats, err := json.Marshal(report.Stats)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	p := r.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, started_at, finished_at, local_dir, base_dir, dry_run, outcome, error, stats)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		quoteIdentifier(r.tableName), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9))
	_, err = r.db.ExecContext(ctx, query,
		report.RunID,
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.LocalDir,
		report.BaseDir,
		report.DryRun,
		string(report.Outcome),
		report.Error,
		string(stats),
	)
	return err
}

func (r *SQLRecorder) Recent(ctx context.Context, limit int) ([]mirror.Report, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT run_id, started_at, finished_at, local_dir, base_dir, dry_run, outcome, error, stats
		FROM %s ORDER BY started_at DESC`, quoteIdentifier(r.tableName))
	var args []any
	if limit > 0 {
		query += " LIMIT " + r.dialect.placeholder(1)
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mirror.Report
	for rows.Next() {
		var (
			report  mirror.Report
			outcome string
			stats   string
		)
		if err := rows.Scan(&report.RunID, &report.StartedAt, &report.FinishedAt, &report.LocalDir,
			&report.BaseDir, &report.DryRun, &outcome, &report.Error, &stats); err != nil {
			return nil, err
		}
		report.Outcome = mirror.Outcome(outcome)
		if err := json.Unmarshal([]byte(stats), &report.Stats); err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLRecorder) ensureReady(ctx context.Context) error {
	r.initOnce.Do(func() {
		db, err := r.openDB(r.dialect.driver, r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()
		if _, err := db.ExecContext(initCtx, fmt.Sprintf(r.dialect.createTable, quoteIdentifier(r.tableName))); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
