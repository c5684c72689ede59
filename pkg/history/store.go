// Package history records harness runs, the nodes they launched and the
// deployments they attempted in a local SQLite database.
package history

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
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Models

type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	NodeCount  int
	ServiceDir string
	Target     string
	Status     string
	Error      string
}

type Node struct {
	RunID          string
	Name           string
	HTTPPort       int
	GRPCPort       int
	MembershipPort int
	State          string
	Error          string
}

type Deployment struct {
	ID         int64
	RunID      string
	Node       string
	Address    string
	GRPCPort   int
	Success    bool
	ServiceID  string
	Diagnostic string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store provides history operations
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns ~/.gonolith/history.db, falling back to the working
// directory when there is no home directory
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./gonolith-history.db"
	}
	return filepath.Join(homeDir, ".gonolith", "history.db")
}

// Open opens (creating if needed) the database at path and applies migrations
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// runMigrations applies database migrations
func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Run operations

func (s *Store) StartRun(ctx context.Context, r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, node_count, service_dir, target, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.RunID, r.StartedAt, r.NodeCount, r.ServiceDir, r.Target, r.Status)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's end time, final status and error text
func (s *Store) FinishRun(ctx context.Context, runID, status, errText string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, error = ?
		WHERE run_id = ?
	`, time.Now().UTC(), status, errText, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SetTarget records the node chosen for deployment
func (s *Store) SetTarget(ctx context.Context, runID, target string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET target = ? WHERE run_id = ?`, target, runID)
	if err != nil {
		return fmt.Errorf("failed to set target: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, node_count, service_dir, target, status, error
		FROM runs WHERE run_id = ?
	`, runID)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, node_count, service_dir, target, status, error
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	if err := row.Scan(&r.RunID, &r.StartedAt, &finished, &r.NodeCount, &r.ServiceDir, &r.Target, &r.Status, &r.Error); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// Node operations

// RecordNodes inserts or updates the node records of a run
func (s *Store) RecordNodes(ctx context.Context, runID string, nodes []Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, n := range nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_nodes (run_id, name, http_port, grpc_port, memberlist_port, state, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				state = excluded.state,
				error = excluded.error
		`, runID, n.Name, n.HTTPPort, n.GRPCPort, n.MembershipPort, n.State, n.Error)
		if err != nil {
			return fmt.Errorf("failed to record node %s: %w", n.Name, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListNodes(ctx context.Context, runID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, http_port, grpc_port, memberlist_port, state, error
		FROM run_nodes
		WHERE run_id = ?
		ORDER BY http_port
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.RunID, &n.Name, &n.HTTPPort, &n.GRPCPort, &n.MembershipPort, &n.State, &n.Error); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// Deployment operations

func (s *Store) RecordDeployment(ctx context.Context, d *Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (run_id, node, address, grpc_port, success, service_id, diagnostic, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.RunID, d.Node, d.Address, d.GRPCPort, d.Success, d.ServiceID, d.Diagnostic, d.Duration.Milliseconds(), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	id, _ := result.LastInsertId()
	d.ID = id
	return nil
}

func (s *Store) ListDeployments(ctx context.Context, runID string) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node, address, grpc_port, success, service_id, diagnostic, duration_ms, created_at
		FROM deployments
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		var d Deployment
		var durationMs int64
		if err := rows.Scan(&d.ID, &d.RunID, &d.Node, &d.Address, &d.GRPCPort, &d.Success,
			&d.ServiceID, &d.Diagnostic, &durationMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		d.Duration = time.Duration(durationMs) * time.Millisecond
		deployments = append(deployments, &d)
	}

	return deployments, rows.Err()
}
