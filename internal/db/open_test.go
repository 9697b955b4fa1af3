package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

func TestOpenSQLiteWriterAndReader(t *testing.T) {
	pool, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "anyon.db"))
	require.NoError(t, err)
	defer pool.Close()

	assert.False(t, pool.IsPostgres())

	_, err = pool.Writer().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM kv WHERE k = 'a'`))
	assert.Equal(t, "b", v)

	_, err = pool.Reader().Exec(`INSERT INTO kv (k, v) VALUES ('c', 'd')`)
	assert.Error(t, err, "reader must be read-only")
}

func TestProvideRejectsUnknownDriver(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	_, _, err := Provide(config.DatabaseConfig{Driver: "mysql"}, log)
	assert.Error(t, err)
}

func TestProvideSQLite(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	pool, cleanup, err := Provide(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, log)
	require.NoError(t, err)
	require.NotNil(t, pool)
	assert.NoError(t, cleanup())
}
