// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// SerialPK returns the column definition of an auto-increment id.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func SerialPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Timestamp returns the column type for a point in time.
//
//	SQLite:   DATETIME
//	Postgres: TIMESTAMPTZ
func Timestamp(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// Bool returns the column type for a flag stored with BoolToInt.
//
//	SQLite:   INTEGER
//	Postgres: SMALLINT
func Bool(driver string) string {
	if IsPostgres(driver) {
		return "SMALLINT"
	}
	return "INTEGER"
}

// InsertID runs an INSERT into a table keyed by SerialPK and returns the new
// id. PostgreSQL reads it back with RETURNING; SQLite reports it on the result.
func InsertID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	query = ext.Rebind(query)
	if !IsPostgres(ext.DriverName()) {
		res, err := ext.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	var id int64
	if err := ext.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert returning id: %w", err)
	}
	return id, nil
}
