package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/db/dialect"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultReaderConns = 4
)

// sqliteDSN renders go-sqlite3 connection options. The writer also sets the
// database-level WAL journal and synchronous mode.
type sqliteDSN struct {
	path     string
	readOnly bool
	busy     time.Duration
}

func (d sqliteDSN) String() string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.FormatInt(d.busy.Milliseconds(), 10))
	q.Set("_cache", "shared")
	if d.readOnly {
		q.Set("_mode", "ro")
	} else {
		q.Set("_mode", "rwc")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + d.path + "?" + q.Encode()
}

func openSQLite(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.Path == MemoryPath {
		// Every :memory: connection is its own database, so there is exactly one.
		x, err := sqlx.Open(dialect.SQLite3, "file::memory:?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("open memory database: %w", err)
		}
		x.SetMaxOpenConns(1)
		x.SetMaxIdleConns(1)
		x.SetConnMaxLifetime(0)
		return &Pool{writer: x, reader: x}, nil
	}

	path, err := prepareSQLiteFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	busy := time.Duration(cfg.BusyTimeoutMs) * time.Millisecond
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	readers := cfg.ReaderConns
	if readers <= 0 {
		readers = defaultReaderConns
	}

	writer, err := sqlx.Open(dialect.SQLite3, sqliteDSN{path: path, busy: busy}.String())
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One writer serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sqlx.Open(dialect.SQLite3, sqliteDSN{path: path, readOnly: true, busy: busy}.String())
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read-only database %s: %w", path, err)
	}
	reader.SetMaxOpenConns(readers)
	reader.SetMaxIdleConns(readers)

	return &Pool{writer: writer, reader: reader, optimize: true}, nil
}

// prepareSQLiteFile makes path absolute and creates the file and its
// directory, since the read-only pool cannot create them.
func prepareSQLiteFile(path string) (string, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create database directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("create database file: %w", err)
	}
	return path, f.Close()
}
