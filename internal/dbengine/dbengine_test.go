package dbengine

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/streamcore/internal/config"
	"github.com/jmylchreest/streamcore/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string
}

func setupTestEngine(t *testing.T) *DBEngine {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}

	db, err := database.New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e, err := Open(context.Background(), db, 2, "", nil)
	require.NoError(t, err)
	return e
}

func TestDBEngine_InsertAndGet(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "a"}))

	var got sample
	ok, err := e.Get(ctx, "segments", 1, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)
}

func TestDBEngine_Get_Missing(t *testing.T) {
	e := setupTestEngine(t)
	var got sample
	ok, err := e.Get(context.Background(), "segments", 999, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDBEngine_InsertUpserts(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "a"}))
	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "b"}))

	var got sample
	ok, err := e.Get(ctx, "segments", 1, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", got.Name)
}

func TestDBEngine_Remove(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "a"}))
	require.NoError(t, e.Remove(ctx, "segments", 1))

	var got sample
	ok, err := e.Get(ctx, "segments", 1, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDBEngine_RemoveKeys(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "a"}))
	require.NoError(t, e.Insert(ctx, "segments", 2, sample{Name: "b"}))
	require.NoError(t, e.Insert(ctx, "segments", 3, sample{Name: "c"}))

	require.NoError(t, e.RemoveKeys(ctx, "segments", []uint64{1, 3}))

	var seen []uint64
	require.NoError(t, e.ForEach(ctx, "segments", func(id uint64, data []byte) error {
		seen = append(seen, id)
		return nil
	}))
	assert.Equal(t, []uint64{2}, seen)
}

func TestDBEngine_ReserveID_Monotonic(t *testing.T) {
	e := setupTestEngine(t)

	id1, err := e.ReserveID("segments")
	require.NoError(t, err)
	id2, err := e.ReserveID("segments")
	require.NoError(t, err)
	id3, err := e.ReserveID("segments")
	require.NoError(t, err)

	assert.Equal(t, id1+1, id2)
	assert.Equal(t, id2+1, id3)
}

func TestDBEngine_Init_SeedsFromExistingRows(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 5, sample{Name: "a"}))
	require.NoError(t, e.Init(ctx, "segments"))

	id, err := e.ReserveID("segments")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), id)
}

func TestDBEngine_Destroy_SubsequentOpsFail(t *testing.T) {
	e := setupTestEngine(t)
	e.Destroy()

	_, err := e.ReserveID("segments")
	assert.Error(t, err)

	err = e.Insert(context.Background(), "segments", 1, sample{Name: "a"})
	assert.Error(t, err)
}

func TestDBEngine_StoresAreIndependent(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "segments", 1, sample{Name: "seg"}))
	require.NoError(t, e.Insert(ctx, "cues", 1, sample{Name: "cue"}))

	var segVal, cueVal sample
	_, err := e.Get(ctx, "segments", 1, &segVal)
	require.NoError(t, err)
	_, err = e.Get(ctx, "cues", 1, &cueVal)
	require.NoError(t, err)

	assert.Equal(t, "seg", segVal.Name)
	assert.Equal(t, "cue", cueVal.Name)
}
