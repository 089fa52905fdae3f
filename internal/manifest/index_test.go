package manifest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceIndex_PositionForTime(t *testing.T) {
	idx := NewSliceIndex([]*SegmentReference{
		{Position: 0, StartTime: 0, EndTime: 4},
		{Position: 1, StartTime: 4, EndTime: 8},
		{Position: 2, StartTime: 8, EndTime: 12},
	})

	pos, ok := idx.PositionForTime(5)
	require.True(t, ok)
	assert.Equal(t, uint64(1), pos)

	_, ok = idx.PositionForTime(20)
	assert.False(t, ok)
}

func TestSliceIndex_Last(t *testing.T) {
	idx := NewSliceIndex([]*SegmentReference{
		{Position: 3, StartTime: 0, EndTime: 4},
		{Position: 1, StartTime: 4, EndTime: 8},
	})
	pos, ok := idx.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(3), pos)
}

func TestIndexFactory_DedupesConcurrentBuilds(t *testing.T) {
	var builds int64
	factory := NewIndexFactory(func(ctx context.Context, period *Period, stream *Stream) (SegmentIndex, error) {
		atomic.AddInt64(&builds, 1)
		return NewSliceIndex(nil), nil
	})

	period := &Period{ID: "p0"}
	stream := &Stream{ID: "video"}

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := factory.CreateSegmentIndex(context.Background(), period, stream)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&builds))
}

func TestIndexFactory_ReturnsCachedIndex(t *testing.T) {
	factory := NewIndexFactory(func(ctx context.Context, period *Period, stream *Stream) (SegmentIndex, error) {
		return NewSliceIndex(nil), nil
	})

	period := &Period{ID: "p0"}
	stream := &Stream{ID: "audio"}

	idx1, err := factory.CreateSegmentIndex(context.Background(), period, stream)
	require.NoError(t, err)

	idx2, err := factory.CreateSegmentIndex(context.Background(), period, stream)
	require.NoError(t, err)

	assert.Same(t, idx1, idx2)
}
