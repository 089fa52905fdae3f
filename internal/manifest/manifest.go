// Package manifest holds the presentation data model the streaming engine
// consumes: periods, variants, per-content-type streams, segment references,
// and the live/VOD presentation timeline.
package manifest

import (
	"sync"
	"time"
)

// ContentType identifies one of the per-type scheduling loops the
// orchestrator drives.
type ContentType string

const (
	ContentAudio      ContentType = "audio"
	ContentVideo      ContentType = "video"
	ContentText       ContentType = "text"
	ContentTrickVideo ContentType = "trick-video"
)

// Presentation is an ordered, finite sequence of Periods plus the live/VOD
// timeline they're placed on.
type Presentation struct {
	Periods  []*Period
	Timeline *PresentationTimeline
}

// PeriodContaining returns the period whose [Start, Start+duration) span
// contains t. Any t at or after the last period's start maps to the last
// period; nil is returned only if t falls before the first period.
func (p *Presentation) PeriodContaining(t float64) *Period {
	for i, period := range p.Periods {
		end := p.Timeline.Duration
		if i+1 < len(p.Periods) {
			end = p.Periods[i+1].Start
		}
		if t >= period.Start && t < end {
			return period
		}
	}
	if len(p.Periods) > 0 && t >= p.Periods[len(p.Periods)-1].Start {
		return p.Periods[len(p.Periods)-1]
	}
	return nil
}

// IndexOf returns the index of period within Periods, or -1 if not found.
func (p *Presentation) IndexOf(period *Period) int {
	for i, pd := range p.Periods {
		if pd == period {
			return i
		}
	}
	return -1
}

// Period is a contiguous, non-overlapping segment of the presentation
// timeline carrying one or more Variants and zero or more text Streams.
type Period struct {
	ID       string
	Start    float64
	Variants []*Variant
	Text     []*Stream
}

// Variant pairs one audio Stream with one video Stream within a Period.
type Variant struct {
	ID        string
	Audio     *Stream
	Video     *Stream
	Bandwidth int
}

// Stream is a representation of one content type within one Period.
type Stream struct {
	ID                string
	Type              ContentType
	MimeType          string
	InitSegment       *InitSegmentReference
	ContainsEmsgBoxes bool
	TrickModeVideo    *Stream

	indexMu sync.Mutex
	index   SegmentIndex
}

// SegmentReference describes one fetchable media segment.
type SegmentReference struct {
	Position       uint64
	StartTime      float64
	EndTime        float64
	URIs           []string
	ByteRangeStart *int64
	ByteRangeEnd   *int64
}

// InitSegmentReference describes a stream's init segment; it has no times.
type InitSegmentReference struct {
	URIs           []string
	ByteRangeStart *int64
	ByteRangeEnd   *int64
}

// SegmentIndex maps playhead time to segment position and back to a
// SegmentReference. Implementations are built lazily per Stream.
type SegmentIndex interface {
	// PositionForTime returns the segment position covering t, and ok=false
	// if t falls outside the index's range.
	PositionForTime(t float64) (position uint64, ok bool)
	// Get returns the SegmentReference at position, or ok=false if out of range.
	Get(position uint64) (ref *SegmentReference, ok bool)
	// Last returns the final segment's position, or ok=false if the index is empty.
	Last() (position uint64, ok bool)
}

// SetIndex installs a pre-built SegmentIndex on the stream. Used by tests
// and by the lazy builder in index.go once a build completes.
func (s *Stream) SetIndex(idx SegmentIndex) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.index = idx
}

// Index returns the stream's current SegmentIndex, or nil if not yet built.
func (s *Stream) Index() SegmentIndex {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.index
}

// PresentationTimeline is the mutable live/VOD availability window.
type PresentationTimeline struct {
	mu                sync.RWMutex
	AvailabilityStart float64
	AvailabilityEnd   float64
	Duration          float64
	IsLive            bool
}

// Window returns the current availability window under lock, since live
// timelines slide with wall-clock time from a background updater.
func (t *PresentationTimeline) Window() (start, end float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.AvailabilityStart, t.AvailabilityEnd
}

// Slide advances the availability window by d, used by live presentations.
func (t *PresentationTimeline) Slide(d time.Duration) {
	if !t.IsLive {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := d.Seconds()
	t.AvailabilityStart += sec
	t.AvailabilityEnd += sec
}
