package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hivegate/hivegate/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the durable record of swarms, balances and jobs. It is the single
// source of truth across restarts; every in-process cache is rebuilt from it.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// The _pragma DSN options apply to every pooled connection; a plain
	// `PRAGMA busy_timeout` Exec would only configure the one connection
	// that happens to run it.
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			topology    TEXT NOT NULL,
			strategy    TEXT NOT NULL,
			max_agents  INTEGER NOT NULL,
			status      TEXT NOT NULL DEFAULT 'initializing',
			agents      TEXT NOT NULL,
			total_cost  REAL NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarms_user ON swarms(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_swarms_expiry ON swarms(status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id     TEXT PRIMARY KEY,
			balance     REAL NOT NULL DEFAULT 0,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT NOT NULL,
			amount        REAL NOT NULL,
			reason        TEXT NOT NULL,
			balance_after REAL NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON credit_transactions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS swarm_jobs (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			request      TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON swarm_jobs(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			name        TEXT PRIMARY KEY,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
