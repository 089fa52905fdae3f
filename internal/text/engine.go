package text

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Track receives cue add/remove notifications as the engine mutates its
// store, mirroring the external text track the player renders from.
type Track interface {
	AddCue(c Cue)
	RemoveCue(c Cue)
}

// Engine is the in-memory, sorted cue store described in §4.2. All mutating
// operations take engine.mu, so concurrent appendBuffer/remove calls are
// serialized; destroy() marks the engine dead so subsequent ops become
// no-ops while any in-flight call is allowed to finish.
type Engine struct {
	mu sync.Mutex

	track Track
	cues  []Cue

	parser          Parser
	mime            string
	periodStart     float64
	appendWindowEnd *float64

	destroyed bool
}

// New creates an Engine that emits cue add/remove events to track.
func New(track Track) *Engine {
	return &Engine{track: track}
}

// InitParser looks up the registered factory for mime, instantiates it, and
// retains it for subsequent ParseInit/ParseMedia calls.
func (e *Engine) InitParser(mime string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}

	factory, ok := lookup(mime)
	if !ok {
		return fmt.Errorf("text: no parser registered for mime type %q", mime)
	}
	e.parser = factory()
	e.mime = mime
	return nil
}

// AppendBuffer hands data to the parser and inserts surviving cues in sort
// order. segmentStart/segmentEnd are ignored (treated as init-only) when
// both are nil.
func (e *Engine) AppendBuffer(ctx context.Context, data []byte, segmentStart, segmentEnd *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	if e.parser == nil {
		return fmt.Errorf("text: AppendBuffer called before InitParser")
	}

	if segmentStart == nil && segmentEnd == nil {
		return e.parser.ParseInit(data)
	}

	pt := ParseTime{PeriodStart: e.periodStart}
	if segmentStart != nil {
		pt.SegmentStart = *segmentStart
	}
	if segmentEnd != nil {
		pt.SegmentEnd = *segmentEnd
	}

	cues, err := e.parser.ParseMedia(data, pt)
	if err != nil {
		return err
	}

	for _, c := range cues {
		if e.appendWindowEnd != nil && c.StartTime >= *e.appendWindowEnd {
			continue
		}
		e.insert(c)
		if e.track != nil {
			e.track.AddCue(c)
		}
	}
	return nil
}

// insert adds c to e.cues keeping the slice sorted by StartTime. Caller must
// hold e.mu.
func (e *Engine) insert(c Cue) {
	i := sort.Search(len(e.cues), func(i int) bool { return e.cues[i].StartTime > c.StartTime })
	e.cues = append(e.cues, Cue{})
	copy(e.cues[i+1:], e.cues[i:])
	e.cues[i] = c
}

// Remove deletes cues whose interval overlaps [start, end), emitting
// RemoveCue for each.
func (e *Engine) Remove(start, end float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}

	kept := e.cues[:0:0]
	for _, c := range e.cues {
		if c.EndTime > start && c.StartTime < end {
			if e.track != nil {
				e.track.RemoveCue(c)
			}
			continue
		}
		kept = append(kept, c)
	}
	e.cues = kept
}

// SetTimestampOffset sets the periodStart value passed to the parser on
// subsequent AppendBuffer calls.
func (e *Engine) SetTimestampOffset(periodStart float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periodStart = periodStart
}

// SetAppendWindowEnd clamps BufferEnd and filters subsequent appends whose
// cues start at or after t.
func (e *Engine) SetAppendWindowEnd(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendWindowEnd = &t
}

// BufferStart returns the minimum StartTime among stored cues, and ok=false
// if the store is empty.
func (e *Engine) BufferStart() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cues) == 0 {
		return 0, false
	}
	return e.cues[0].StartTime, true
}

// BufferEnd returns the maximum EndTime among stored cues, clamped to the
// append window end when one is set, and ok=false if the store is empty.
func (e *Engine) BufferEnd() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	end, ok := e.bufferEndLocked()
	if ok && e.appendWindowEnd != nil && *e.appendWindowEnd < end {
		end = *e.appendWindowEnd
	}
	return end, ok
}

func (e *Engine) bufferEndLocked() (float64, bool) {
	if len(e.cues) == 0 {
		return 0, false
	}
	maxEnd := e.cues[0].EndTime
	for _, c := range e.cues[1:] {
		if c.EndTime > maxEnd {
			maxEnd = c.EndTime
		}
	}
	return maxEnd, true
}

// BufferedAheadOf returns how far the buffer extends past t if t falls
// within some cue's interval, treating the buffered range as the convex
// span over all cues (gaps between cues are ignored); otherwise 0.
func (e *Engine) BufferedAheadOf(t float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	within := false
	for _, c := range e.cues {
		if t >= c.StartTime && t < c.EndTime {
			within = true
			break
		}
	}
	if !within {
		return 0
	}

	end, ok := e.bufferEndLocked()
	if !ok {
		return 0
	}
	if e.appendWindowEnd != nil && *e.appendWindowEnd < end {
		end = *e.appendWindowEnd
	}
	if end <= t {
		return 0
	}
	return end - t
}

// Destroy marks the engine dead; in-flight calls finish but any subsequent
// call becomes a no-op, matching §4.2's concurrency contract.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.cues = nil
}

// Snapshot returns a copy of the currently stored cues, for introspection
// (e.g. the read-only control API).
func (e *Engine) Snapshot() []Cue {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Cue, len(e.cues))
	copy(out, e.cues)
	return out
}
