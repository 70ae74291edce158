// Package db provides the writer/reader connection pools shared by the
// metadata and observability stores.
package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// With SQLite in WAL mode the writer is pinned to a single connection so
// writes never contend on SQLITE_BUSY, while the reader side holds several
// connections that serve SELECTs concurrently from WAL snapshots. With
// PostgreSQL both sides are the same *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader connections into a Pool.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the connection for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the connection for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides. The reader is skipped when it aliases the
// writer, as it does for PostgreSQL.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
