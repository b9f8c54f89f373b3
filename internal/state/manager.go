package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/localtree"
	"github.com/Ning0612/cloudmirror/internal/reconcile"
)

// DBName is the database file inside the data directory
const DBName = "cloudmirror.db"

// Run statuses
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run kinds
const (
	KindScan      = "scan"
	KindReconcile = "reconcile"
)

// Manager persists reconciliation history and local tree snapshots
type Manager struct {
	db *sql.DB
}

// RunRecord represents one scan or reconciliation pass
type RunRecord struct {
	ID        int64
	Kind      string
	Root      string
	StartTime time.Time
	EndTime   time.Time
	Status    string
	Scanned   int
	Assigned  int
	Unmatched int
	Skipped   int
	Error     string
}

// NewRunRecord builds the record of a finished pass
func NewRunRecord(kind, root string, start time.Time, res reconcile.Result, runErr error) RunRecord {
	rec := RunRecord{
		Kind:      kind,
		Root:      root,
		StartTime: start,
		EndTime:   time.Now(),
		Status:    StatusSuccess,
		Scanned:   res.Scanned,
		Assigned:  res.Assigned,
		Unmatched: res.Unmatched,
		Skipped:   res.Skipped,
	}
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		rec.Status = StatusCancelled
		rec.Error = runErr.Error()
	case runErr != nil:
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
	}
	return rec
}

// NewManager creates a new state manager
func NewManager(dataDir string) (*Manager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, DBName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connection pool to prevent "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	manager := &Manager{db: db}
	if err := manager.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return manager, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		root TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER DEFAULT 0,
		assigned INTEGER DEFAULT 0,
		unmatched INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_root_time ON runs(root, start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS trees (
		root TEXT PRIMARY KEY,
		saved_at TIMESTAMP NOT NULL,
		nodes INTEGER NOT NULL,
		snapshot BLOB NOT NULL
	);
	`

	_, err := m.db.Exec(schema)
	return err
}

// SaveRun records a pass and returns its id
func (m *Manager) SaveRun(record RunRecord) (int64, error) {
	switch record.Status {
	case StatusSuccess, StatusFailed, StatusCancelled:
	default:
		return 0, fmt.Errorf("invalid status: %s (must be 'success', 'failed', or 'cancelled')", record.Status)
	}
	if record.Kind != KindScan && record.Kind != KindReconcile {
		return 0, fmt.Errorf("invalid run kind: %s", record.Kind)
	}

	query := `
		INSERT INTO runs (kind, root, start_time, end_time, status, scanned, assigned, unmatched, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := m.db.Exec(query,
		record.Kind,
		record.Root,
		record.StartTime.UTC(),
		record.EndTime.UTC(),
		record.Status,
		record.Scanned,
		record.Assigned,
		record.Unmatched,
		record.Skipped,
		record.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save run record: %w", err)
	}
	return res.LastInsertId()
}

const runColumns = `id, kind, root, start_time, end_time, status, scanned, assigned, unmatched, skipped, error`

// History returns the most recent runs, newest first. An empty root
// returns runs of every root.
func (m *Manager) History(root string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var (
		rows *sql.Rows
		err  error
	)
	if root == "" {
		rows, err = m.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = m.db.Query(`SELECT `+runColumns+` FROM runs WHERE root = ? ORDER BY start_time DESC, id DESC LIMIT ?`, root, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// LastSuccess returns the last successful reconciliation of root, or nil
func (m *Manager) LastSuccess(root string) (*RunRecord, error) {
	row := m.db.QueryRow(`SELECT `+runColumns+` FROM runs
		WHERE root = ? AND kind = ? AND status = ?
		ORDER BY start_time DESC, id DESC
		LIMIT 1`, root, KindReconcile, StatusSuccess)

	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last success: %w", err)
	}
	return &record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (RunRecord, error) {
	var record RunRecord
	var errText sql.NullString
	err := r.Scan(
		&record.ID,
		&record.Kind,
		&record.Root,
		&record.StartTime,
		&record.EndTime,
		&record.Status,
		&record.Scanned,
		&record.Assigned,
		&record.Unmatched,
		&record.Skipped,
		&errText,
	)
	record.Error = errText.String
	return record, err
}

// SaveTree stores the snapshot of tree for root, replacing an older one
func (m *Manager) SaveTree(root string, tree *localtree.Tree) error {
	data, err := localtree.MarshalSnapshot(tree)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}

	_, err = m.db.Exec(`
		INSERT INTO trees (root, saved_at, nodes, snapshot) VALUES (?, ?, ?, ?)
		ON CONFLICT(root) DO UPDATE SET saved_at = excluded.saved_at, nodes = excluded.nodes, snapshot = excluded.snapshot
	`, root, time.Now().UTC(), tree.Len(), data)
	if err != nil {
		return fmt.Errorf("failed to save tree: %w", err)
	}
	return nil
}

// LoadTree returns the stored tree of root. A missing snapshot is domain.ErrNotFound.
func (m *Manager) LoadTree(root string) (*localtree.Tree, error) {
	var data []byte
	err := m.db.QueryRow(`SELECT snapshot FROM trees WHERE root = ?`, root).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no tree snapshot for %s", domain.ErrNotFound, root)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}

	tree, err := localtree.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	return tree, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
