package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".boardline"
	fileName = "boardline.db"

	defaultBusyTimeout = 5 * time.Second
)

// Config locates the board database. BusyTimeout bounds how long a writer waits for
// the SQLite lock before failing with SQLITE_BUSY.
type Config struct {
	Workspace   string
	BusyTimeout time.Duration
}

// Path returns the database file inside workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), fileName)
}

// StateDir is the hidden directory holding board state and config.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

func EnsureWorkspace(workspace string) (string, error) {
	dir := StateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	// BEGIN IMMEDIATE makes concurrent writers queue on busy_timeout instead of
	// failing at upgrade time.
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the workspace database and verifies it is reachable.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	conn, err := sql.Open("sqlite", dsn(Path(cfg.Workspace), busy))
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}
