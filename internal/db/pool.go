// Package db opens the relational stores backing the anyon repositories.
package db

import "github.com/jmoiron/sqlx"

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode the writer is a single connection so writes are
// serialized, while the reader pool allows concurrent SELECTs.
// For PostgreSQL both sides are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// IsPostgres reports whether the pool talks to PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.writer.DriverName() == DriverPostgres }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Postgres shares one *sqlx.DB for both sides.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
