package dbengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/streamcore/internal/config"
	"github.com/jmylchreest/streamcore/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteDatabase_WaitsForOpenEngineToRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             path,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}
	db, err := database.New(cfg, nil, nil)
	require.NoError(t, err)

	e, err := Open(context.Background(), db, 2, path, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- DeleteDatabase(path)
	}()

	select {
	case <-done:
		t.Fatal("DeleteDatabase returned before the open DBEngine released its reference")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, db.Close())
	e.Destroy()

	require.NoError(t, <-done)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteDatabase_NeverOpenedIsNoop(t *testing.T) {
	require.NoError(t, DeleteDatabase(filepath.Join(t.TempDir(), "never-opened.db")))
}
