package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// SQLiteStore keeps nodes in a sqlite table
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore opens (creating if needed) the node database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A ":memory:" database exists only on its own connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		nodehandle INTEGER PRIMARY KEY NOT NULL,
		parenthandle INTEGER NOT NULL,
		type INTEGER NOT NULL,
		name TEXT,
		fingerprint BLOB,
		ctime INTEGER NOT NULL DEFAULT 0,
		fav INTEGER NOT NULL DEFAULT 0,
		node BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parenthandle);
	CREATE INDEX IF NOT EXISTS idx_nodes_fingerprint ON nodes(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
	CREATE INDEX IF NOT EXISTS idx_nodes_ctime ON nodes(ctime DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

const upsertNode = `
	INSERT INTO nodes (nodehandle, parenthandle, type, name, fingerprint, ctime, fav, node)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(nodehandle) DO UPDATE SET
		parenthandle = excluded.parenthandle,
		type = excluded.type,
		name = excluded.name,
		fingerprint = excluded.fingerprint,
		ctime = excluded.ctime,
		fav = excluded.fav,
		node = excluded.node
`

func rowArgs(row Row) []any {
	return []any{
		int64(row.Handle),
		int64(row.Parent),
		int(row.Type),
		row.Name,
		row.Fingerprint,
		row.CTime,
		boolToInt(row.Favourite),
		row.Blob,
	}
}

func (s *SQLiteStore) conn() (*sql.DB, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, domain.ErrStoreClosed
	}
	return s.db, s.mu.Unlock, nil
}

// Get returns the serialized node for h
func (s *SQLiteStore) Get(h domain.Handle) ([]byte, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	var blob []byte
	err = db.QueryRow("SELECT node FROM nodes WHERE nodehandle = ?", int64(h)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %v", domain.ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %v: %w", h, err)
	}
	return blob, nil
}

// Put inserts or replaces a node
func (s *SQLiteStore) Put(row Row) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	if _, err := db.Exec(upsertNode, rowArgs(row)...); err != nil {
		return fmt.Errorf("failed to put node %v: %w", row.Handle, err)
	}
	return nil
}

// PutMany writes all rows in one transaction
func (s *SQLiteStore) PutMany(rows []Row) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(upsertNode)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(rowArgs(row)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to put node %v: %w", row.Handle, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit nodes: %w", err)
	}
	return nil
}

// Remove deletes a node; removing an absent node is not an error
func (s *SQLiteStore) Remove(h domain.Handle) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	if _, err := db.Exec("DELETE FROM nodes WHERE nodehandle = ?", int64(h)); err != nil {
		return fmt.Errorf("failed to remove node %v: %w", h, err)
	}
	return nil
}

func (s *SQLiteStore) scan(where string, args ...any) ([]Record, error) {
	return s.query("SELECT nodehandle, node FROM nodes WHERE "+where+" ORDER BY nodehandle", args...)
}

func (s *SQLiteStore) query(query string, args ...any) ([]Record, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			h   int64
			rec Record
		)
		if err := rows.Scan(&h, &rec.Blob); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		rec.Handle = domain.Handle(h)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return records, nil
}

// ScanChildren lists the nodes whose parent is parent
func (s *SQLiteStore) ScanChildren(parent domain.Handle) ([]Record, error) {
	return s.scan("parenthandle = ?", int64(parent))
}

// ScanByFingerprint lists files with exactly this binary fingerprint
func (s *SQLiteStore) ScanByFingerprint(fp []byte) ([]Record, error) {
	if len(fp) == 0 {
		return nil, nil
	}
	return s.scan("fingerprint = ?", fp)
}

// ScanByName lists nodes with the given name
func (s *SQLiteStore) ScanByName(name string) ([]Record, error) {
	return s.scan("name = ?", name)
}

// ScanRoots lists root, vault and rubbish nodes
func (s *SQLiteStore) ScanRoots() ([]Record, error) {
	return s.scan("type IN (?, ?, ?)", int(domain.TypeRoot), int(domain.TypeVault), int(domain.TypeRubbish))
}

// ScanFavourites lists nodes flagged as favourite
func (s *SQLiteStore) ScanFavourites() ([]Record, error) {
	return s.scan("fav = 1")
}

// ScanRecent lists nodes created at or after since, newest first
func (s *SQLiteStore) ScanRecent(since int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(
		"SELECT nodehandle, node FROM nodes WHERE ctime >= ? ORDER BY ctime DESC, nodehandle LIMIT ?",
		since, limit,
	)
}

// CountChildren counts children of parent, optionally of the given types
func (s *SQLiteStore) CountChildren(parent domain.Handle, types ...domain.NodeType) (uint64, error) {
	query := "SELECT COUNT(*) FROM nodes WHERE parenthandle = ?"
	args := []any{int64(parent)}
	if len(types) > 0 {
		query += " AND type IN (?" + strings.Repeat(", ?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, int(t))
		}
	}
	return s.count(query, args...)
}

// Count returns the number of stored nodes
func (s *SQLiteStore) Count() (uint64, error) {
	return s.count("SELECT COUNT(*) FROM nodes")
}

func (s *SQLiteStore) count(query string, args ...any) (uint64, error) {
	db, done, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer done()

	var n int64
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return uint64(n), nil
}

// Truncate deletes every node
func (s *SQLiteStore) Truncate() error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	if _, err := db.Exec("DELETE FROM nodes"); err != nil {
		return fmt.Errorf("failed to truncate nodes: %w", err)
	}
	return nil
}

// Close closes the database; later calls fail with domain.ErrStoreClosed
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
