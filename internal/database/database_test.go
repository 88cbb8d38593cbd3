package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilimux/bilimux/internal/config"
	"github.com/bilimux/bilimux/internal/database/migrations"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db := New(config.DatabaseConfig{
		DSN:      filepath.Join(t.TempDir(), "bilimux.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, db.Open(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"history", "queue", "thumbnails", "assets", "schema_migrations"} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}

	migrator := migrations.NewMigrator(db.DB, nil)
	version, err := migrator.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "003", version, "schema version is 3")
}

func TestReadyGate(t *testing.T) {
	db := New(config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "x.db")}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, db.Ready(ctx), "Ready blocks until Open")

	require.NoError(t, db.Open(context.Background()))
	defer db.Close()
	assert.NoError(t, db.Ready(context.Background()))
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "bilimux.db")

	db1 := New(config.DatabaseConfig{DSN: dsn, LogLevel: "silent"}, nil)
	require.NoError(t, db1.Open(context.Background()))
	require.NoError(t, db1.Close())

	db2 := New(config.DatabaseConfig{DSN: dsn, LogLevel: "silent"}, nil)
	require.NoError(t, db2.Open(context.Background()), "reopening an already-migrated store")
	require.NoError(t, db2.Close())
}
