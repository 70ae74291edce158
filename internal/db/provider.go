package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names as registered by the underlying database drivers. sqlx uses
// them to pick bindvar syntax in Rebind.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// NewSQLitePool opens a writer/reader pair for an embedded SQLite database.
func NewSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	return NewPool(sqlx.NewDb(writer, DriverSQLite), sqlx.NewDb(reader, DriverSQLite)), nil
}

// NewPostgresPool opens a PostgreSQL connection and uses it for both reads
// and writes; pgx pools connections internally.
func NewPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	wrapped := sqlx.NewDb(conn, DriverPostgres)
	return NewPool(wrapped, wrapped), nil
}
