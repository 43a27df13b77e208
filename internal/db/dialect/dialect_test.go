package dialect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/db"
	. "github.com/jcttech/claude-session-manager/internal/db/dialect"
)

func TestFragments(t *testing.T) {
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))

	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", SerialPK(SQLite3))
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", SerialPK(PGX))
	assert.Equal(t, "DATETIME", Timestamp(SQLite3))
	assert.Equal(t, "TIMESTAMPTZ", Timestamp(PGX))
	assert.Equal(t, "SMALLINT", Bool(PGX))
}

func TestInsertIDSQLite(t *testing.T) {
	ctx := context.Background()
	pool, err := db.Open(ctx, config.DatabaseConfig{Driver: SQLite3, Path: db.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	x := pool.Writer()

	_, err = x.Exec("CREATE TABLE items (id " + SerialPK(SQLite3) + ", name TEXT NOT NULL)")
	require.NoError(t, err)

	first, err := InsertID(ctx, x, "INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)

	tx, err := x.BeginTxx(ctx, nil)
	require.NoError(t, err)
	second, err := InsertID(ctx, tx, "INSERT INTO items (name) VALUES (?)", "b")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, first+1, second)
}
