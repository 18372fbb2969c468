package tracker

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"peerchat/models"
)

const (
	// DefaultDBFileName is the SQLite filename under the tracker data dir.
	DefaultDBFileName = "tracker.db"
)

var (
	// ErrNotFound indicates a requested peer record does not exist.
	ErrNotFound = errors.New("tracker: peer not found")
	// ErrValidation indicates malformed registration input.
	ErrValidation = errors.New("tracker: invalid input")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  username       TEXT PRIMARY KEY,
  host           TEXT NOT NULL,
  port           INTEGER NOT NULL,
  is_active      INTEGER NOT NULL DEFAULT 1,
  last_heartbeat INTEGER NOT NULL,
  created_at     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_active_heartbeat
ON peers (is_active, last_heartbeat);
`,
}

// PeerRecord is one directory entry for a registered peer.
type PeerRecord struct {
	Username      string
	Host          string
	Port          int
	Active        bool
	LastHeartbeat int64
	CreatedAt     int64
}

// Info converts a record to its boundary representation.
func (r PeerRecord) Info() models.PeerInfo {
	return models.PeerInfo{Username: r.Username, Host: r.Host, Port: r.Port}
}

// Store is the durable username -> address + liveness directory.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open opens (or creates) tracker.db under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create tracker data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, clk: clock.New()}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Register inserts or overwrites the record for username, resetting the
// active flag and heartbeat timestamp. Visible immediately to List and
// Heartbeat.
func (s *Store) Register(username, host string, port int) (PeerRecord, error) {
	if err := ValidateRegistration(username, host, port); err != nil {
		return PeerRecord{}, err
	}

	now := s.clk.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO peers (username, host, port, is_active, last_heartbeat, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			is_active = 1,
			last_heartbeat = excluded.last_heartbeat`,
		username, host, port, now, now,
	)
	if err != nil {
		return PeerRecord{}, fmt.Errorf("register peer %q: %w", username, err)
	}

	return s.Get(username)
}

// Heartbeat refreshes the liveness timestamp for an existing record.
func (s *Store) Heartbeat(username string) error {
	res, err := s.db.Exec(
		`UPDATE peers SET last_heartbeat = ?, is_active = 1 WHERE username = ?`,
		s.clk.Now().UnixMilli(), username,
	)
	if err != nil {
		return fmt.Errorf("heartbeat peer %q: %w", username, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for heartbeat %q: %w", username, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one record by username.
func (s *Store) Get(username string) (PeerRecord, error) {
	row := s.db.QueryRow(
		`SELECT username, host, port, is_active, last_heartbeat, created_at
		FROM peers WHERE username = ?`,
		username,
	)

	var record PeerRecord
	var active int
	err := row.Scan(&record.Username, &record.Host, &record.Port, &active, &record.LastHeartbeat, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PeerRecord{}, ErrNotFound
		}
		return PeerRecord{}, fmt.Errorf("get peer %q: %w", username, err)
	}
	record.Active = active != 0

	return record, nil
}

// ListActive returns a snapshot of active records, optionally excluding
// one username. Ordering is stable but not significant.
func (s *Store) ListActive(exclude string) ([]PeerRecord, error) {
	rows, err := s.db.Query(
		`SELECT username, host, port, is_active, last_heartbeat, created_at
		FROM peers
		WHERE is_active = 1 AND username != ?
		ORDER BY username`,
		exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("list active peers: %w", err)
	}
	defer rows.Close()

	records := make([]PeerRecord, 0)
	for rows.Next() {
		var record PeerRecord
		var active int
		if err := rows.Scan(&record.Username, &record.Host, &record.Port, &active, &record.LastHeartbeat, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		record.Active = active != 0
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return records, nil
}

// Unregister removes the record immediately regardless of its active flag.
func (s *Store) Unregister(username string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("unregister peer %q: %w", username, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for unregister %q: %w", username, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveStale deletes every record whose heartbeat is older than the
// cutoff and returns how many rows were removed. Stale entries are
// removed outright rather than flagged inactive so the directory does
// not grow without bound.
func (s *Store) RemoveStale(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM peers WHERE last_heartbeat < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("remove stale peers: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for stale removal: %w", err)
	}
	return removed, nil
}

// Counts returns total and active peer counts for the health probe.
func (s *Store) Counts() (total int, active int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM peers`)
	if err := row.Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("count peers: %w", err)
	}
	return total, active, nil
}

// ValidateRegistration checks registration input before touching state.
func ValidateRegistration(username, host string, port int) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if strings.ContainsAny(host, " \t") {
		return fmt.Errorf("%w: host %q is malformed", ErrValidation, host)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrValidation, port)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}
