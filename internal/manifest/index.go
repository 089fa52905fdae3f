package manifest

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"
)

// SliceIndex is a simple, sorted-by-position SegmentIndex backed by a slice.
// The spec notes expected cardinality is O(thousands), so a sorted slice
// with binary search is sufficient.
type SliceIndex struct {
	refs []*SegmentReference
}

// NewSliceIndex builds a SliceIndex from refs, sorting by Position.
func NewSliceIndex(refs []*SegmentReference) *SliceIndex {
	sorted := make([]*SegmentReference, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return &SliceIndex{refs: sorted}
}

func (s *SliceIndex) PositionForTime(t float64) (uint64, bool) {
	i := sort.Search(len(s.refs), func(i int) bool { return s.refs[i].EndTime > t })
	if i >= len(s.refs) {
		return 0, false
	}
	if t < s.refs[i].StartTime && i == 0 {
		// Before the first segment: still resolves to the first segment so
		// callers at the VOD origin don't fail to find a starting position.
		return s.refs[0].Position, true
	}
	return s.refs[i].Position, true
}

func (s *SliceIndex) Get(position uint64) (*SegmentReference, bool) {
	i := sort.Search(len(s.refs), func(i int) bool { return s.refs[i].Position >= position })
	if i < len(s.refs) && s.refs[i].Position == position {
		return s.refs[i], true
	}
	return nil, false
}

func (s *SliceIndex) Last() (uint64, bool) {
	if len(s.refs) == 0 {
		return 0, false
	}
	return s.refs[len(s.refs)-1].Position, true
}

// IndexBuilder constructs a SegmentIndex for a stream, typically by fetching
// and parsing manifest segment-timeline data.
type IndexBuilder func(ctx context.Context, period *Period, stream *Stream) (SegmentIndex, error)

// IndexFactory lazily builds and memoizes SegmentIndex instances per
// (period, stream), deduplicating concurrent builds for the same stream via
// singleflight so a stream chosen mid-build joins the in-flight build
// instead of starting a second one, per the orchestrator's startup protocol
// step 6 (pre-building remaining streams in the background).
type IndexFactory struct {
	build IndexBuilder
	group singleflight.Group
}

// NewIndexFactory returns an IndexFactory that uses build to construct a
// SegmentIndex the first time a given stream is requested.
func NewIndexFactory(build IndexBuilder) *IndexFactory {
	return &IndexFactory{build: build}
}

// CreateSegmentIndex returns stream's SegmentIndex, building and caching it
// on the stream if not already present. Concurrent calls for the same
// stream share a single build.
func (f *IndexFactory) CreateSegmentIndex(ctx context.Context, period *Period, stream *Stream) (SegmentIndex, error) {
	if idx := stream.Index(); idx != nil {
		return idx, nil
	}

	key := fmt.Sprintf("%s/%s", period.ID, stream.ID)
	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		if idx := stream.Index(); idx != nil {
			return idx, nil
		}
		idx, err := f.build(ctx, period, stream)
		if err != nil {
			return nil, err
		}
		stream.SetIndex(idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(SegmentIndex), nil
}
