package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory_Defaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	// Should be usable.
	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)
}

func TestNewSqliteDB_File_CreatesParent(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "nested", "state.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	// Parent dir should exist and db file should be creatable.
	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestNewSqliteDB_CustomPragmas_AllowsOverride(t *testing.T) {
	// SQLite treats unknown pragmas as no-ops, so overriding with a minimal pragma block
	// should still create a usable DB.
	database, err := NewSqliteDB(WithPragmas("PRAGMA journal_mode=WAL;"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t2 (id INTEGER PRIMARY KEY);")
	assert.NoError(t, err)
}

func TestNewSqliteDB_WithSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	schema := "CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL);"

	database, err := NewSqliteDB(WithPath(dbPath), WithSchema(schema))
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO kv (k, v) VALUES ('a', 1)")
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// reopening applies the schema again without touching existing rows
	database, err = NewSqliteDB(WithPath(dbPath), WithSchema(schema))
	require.NoError(t, err)
	defer database.Close()

	var v int
	require.NoError(t, database.Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, 1, v)

	_, err = NewSqliteDB(WithSchema("CREATE TABLE broken ("))
	assert.Error(t, err)
}
