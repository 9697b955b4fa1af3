package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens a SQLite database as a writer/reader pair.
// The writer is limited to one connection to avoid SQLITE_BUSY; readers use
// WAL snapshots and never block on it.
func OpenSQLite(dbPath string) (*Pool, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	busy := int(sqliteBusyTimeout / time.Millisecond)
	writer, err := sqlx.Open(DriverSQLite, fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		path, busy))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The writer creates the file and switches it to WAL before readers attach.
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	reader, err := sqlx.Open(DriverSQLite, fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d", path, busy))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return NewPool(writer, reader), nil
}

// OpenPostgres opens a PostgreSQL database connection using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func OpenPostgres(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return NewPool(conn, conn), nil
}

func prepareSQLitePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("empty sqlite path")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(abs); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return abs, nil
}
