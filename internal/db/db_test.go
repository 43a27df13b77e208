package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/common/config"
)

func TestOpenSQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sm.db")

	pool, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite3", Path: path, ReaderConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.NotSame(t, pool.Writer(), pool.Reader())
	assert.Equal(t, 2, pool.Reader().Stats().MaxOpenConnections)
	assert.Equal(t, 1, pool.Writer().Stats().MaxOpenConnections)

	_, err = pool.Writer().Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = pool.Writer().Exec("INSERT INTO kv VALUES ('a', '1')")
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, "1", v)

	_, err = pool.Reader().Exec("INSERT INTO kv VALUES ('b', '2')")
	require.Error(t, err, "reader is read-only")

	var mode string
	require.NoError(t, pool.Writer().Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestOpenSQLiteMemory(t *testing.T) {
	pool, err := Open(context.Background(), config.DatabaseConfig{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	assert.Same(t, pool.Writer(), pool.Reader())
	assert.Equal(t, "sqlite3", pool.Driver())
	require.NoError(t, pool.Ping(context.Background()))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver: mysql")
}

func TestSQLiteDSN(t *testing.T) {
	writer := sqliteDSN{path: "/data/sm.db", busy: defaultBusyTimeout}.String()
	assert.Equal(t, "file:/data/sm.db?_busy_timeout=5000&_cache=shared&_foreign_keys=on&_journal_mode=WAL&_mode=rwc&_synchronous=NORMAL", writer)

	reader := sqliteDSN{path: "/data/sm.db", readOnly: true, busy: defaultBusyTimeout}.String()
	assert.Equal(t, "file:/data/sm.db?_busy_timeout=5000&_cache=shared&_foreign_keys=on&_mode=ro", reader)
}
