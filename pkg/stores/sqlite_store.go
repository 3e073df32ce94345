package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pcutils/pcutils/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	machine string
	cfg     Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path string
	// Machine is recorded on every run; it defaults to the local hostname.
	Machine         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.Machine == "" {
		cfg.Machine = localMachine()
	}

	return &SQLiteStore{
		path:    cfg.Path,
		machine: cfg.Machine,
		cfg:     cfg,
	}, nil
}

func localMachine() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "machine_inconnue"
	}
	return name
}

// Machine returns the machine name recorded on runs.
func (s *SQLiteStore) Machine() string { return s.machine }

// Init opens the database, creating its directory, and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create report directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// SaveRun stores a scheduler outcome. It implements engine.ReportWriter.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *engine.RunResult) error {
	if result == nil {
		return fmt.Errorf("run result is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sum := result.Summary
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, sequence, machine, status, success, total, succeeded, failed, blocked, skipped, cancelled, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.Sequence,
		s.machine,
		string(result.Status),
		result.Success,
		sum.Total, sum.Succeeded, sum.Failed, sum.Blocked, sum.Skipped, sum.Cancelled,
		result.StartedAt.UTC(),
		result.FinishedAt.UTC(),
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instance_results (run_id, position, plugin, instance_id, display_name, target_ip, status, message, output, error_class, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare instance insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range resultRows(result) {
		_, err := stmt.ExecContext(ctx,
			result.ID,
			row.Position,
			row.Plugin,
			row.InstanceID,
			row.DisplayName,
			row.TargetIP,
			row.Status,
			row.Message,
			row.Output,
			row.ErrorClass,
			nullTime(row.StartedAt),
			nullTime(row.FinishedAt),
			row.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result for %s_%d: %w", row.Plugin, row.InstanceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// resultRows flattens a run into report rows. Remote instances with host
// outcomes get one row per host.
func resultRows(result *engine.RunResult) []*InstanceResult {
	var rows []*InstanceResult
	for i, st := range result.Instances {
		base := InstanceResult{
			RunID:       result.ID,
			Position:    i,
			Plugin:      st.Plugin,
			InstanceID:  st.InstanceID,
			DisplayName: st.DisplayName,
			Status:      string(st.Status),
			Message:     st.Message,
			Output:      st.Output,
			StartedAt:   st.StartedAt,
			FinishedAt:  st.FinishedAt,
			Duration:    st.Duration,
		}
		if st.Error != nil {
			base.ErrorClass = string(st.Error.Class)
		}

		if len(st.Hosts) == 0 {
			row := base
			rows = append(rows, &row)
			continue
		}
		for _, h := range st.Hosts {
			row := base
			row.TargetIP = h.Host
			row.Message = h.Message
			row.Output = h.Output
			row.Duration = h.Duration
			switch {
			case h.Unreachable:
				row.Status = HostUnreachable
			case h.Success:
				row.Status = string(engine.InstanceSuccess)
				row.ErrorClass = ""
			default:
				row.Status = string(engine.InstanceError)
			}
			rows = append(rows, &row)
		}
	}
	return rows
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

const runColumns = `id, sequence, machine, status, success, total, succeeded, failed, blocked, skipped, cancelled, started_at, finished_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	run := &Run{}
	var durationMS int64
	err := sc.Scan(
		&run.ID,
		&run.Sequence,
		&run.Machine,
		&run.Status,
		&run.Success,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Failed,
		&run.Summary.Blocked,
		&run.Summary.Skipped,
		&run.Summary.Cancelled,
		&run.StartedAt,
		&run.FinishedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListResults returns the rows of a run in scheduling order.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*InstanceResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, position, plugin, instance_id, display_name, target_ip, status, message, output, error_class, started_at, finished_at, duration_ms
		FROM instance_results
		WHERE run_id = ?
		ORDER BY position, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*InstanceResult
	for rows.Next() {
		r := &InstanceResult{}
		var started, finished sql.NullTime
		var durationMS int64
		if err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Position,
			&r.Plugin,
			&r.InstanceID,
			&r.DisplayName,
			&r.TargetIP,
			&r.Status,
			&r.Message,
			&r.Output,
			&r.ErrorClass,
			&started,
			&finished,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if started.Valid {
			r.StartedAt = started.Time
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// DeleteRun deletes a run and its rows.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
