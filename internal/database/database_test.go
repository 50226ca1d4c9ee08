package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "telelog.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)").Error)
	assert.FileExists(t, path)
	assert.NoError(t, CloseGorm(db))
}

func TestOpenSQLite_Memory(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer CloseGorm(db)

	require.NoError(t, db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)").Error)
	require.NoError(t, db.Exec("INSERT INTO t (id) VALUES (1)").Error)

	var n int64
	require.NoError(t, db.Table("t").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://u:p@localhost:5432/db?pool_max_conns=many")
	assert.Error(t, err)
}
