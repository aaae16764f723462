package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/replayd/internal/config"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		ConnMaxLifetime: time.Hour,
		LogLevel:        "silent",
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["max_open_connections"], "in-memory databases stay on one connection")
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil, nil)
	require.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_Close(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestDB_SQLitePragmas(t *testing.T) {
	db := setupTestDB(t)

	var foreignKeys int
	require.NoError(t, db.Raw("PRAGMA foreign_keys").Scan(&foreignKeys).Error)
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.Raw("PRAGMA busy_timeout").Scan(&busyTimeout).Error)
	assert.Equal(t, 10000, busyTimeout)
}

func TestIsMemoryDSN(t *testing.T) {
	assert.True(t, isMemoryDSN(":memory:"))
	assert.True(t, isMemoryDSN("file:catalog?mode=memory&cache=shared"))
	assert.False(t, isMemoryDSN("replayd.db"))
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{"info", logger.Info},
		{"unknown", logger.Warn},
		{"", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, gormLogLevel(tt.level))
		})
	}
}

func TestSlogGormLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gl := newGormLogger("warn", log)
	ctx := context.Background()

	called := false
	fc := func() (string, int64) {
		called = true
		return "SELECT * FROM clips", 0
	}

	// Fast queries below info level never build the SQL string.
	gl.Trace(ctx, time.Now(), fc, nil)
	assert.False(t, called)
	assert.Empty(t, buf.String())

	// Not-found results are expected and stay quiet.
	gl.Trace(ctx, time.Now(), fc, errors.New("record not found"))
	assert.Empty(t, buf.String())

	gl.Trace(ctx, time.Now(), fc, errors.New("no such table: clips"))
	assert.True(t, called)
	assert.Contains(t, buf.String(), "database error")
	assert.Contains(t, buf.String(), `"component":"database"`)

	buf.Reset()
	gl.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	assert.Contains(t, buf.String(), "slow query")
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := strings.Repeat("x", maxSQLLogLength+50)
	out := truncateSQL(long)
	assert.True(t, strings.HasSuffix(out, "... (truncated)"))
	assert.Len(t, out, maxSQLLogLength+len("... (truncated)"))
}
