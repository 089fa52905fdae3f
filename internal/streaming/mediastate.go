package streaming

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/streamcore/internal/manifest"
)

// state is a MediaState's position in the per-type fetch/append state
// machine described in §4.1.
type state string

const (
	stateIdle          state = "IDLE"
	stateFetchingInit  state = "FETCHING_INIT"
	stateFetchingMedia state = "FETCHING_MEDIA"
	stateAppending     state = "APPENDING"
	stateEvicting      state = "EVICTING"
	stateRecovering    state = "RECOVERING"
	stateFailed        state = "FAILED"
	stateTerminated    state = "TERMINATED"
)

// mediaState is the per-content-type fetch/append loop. One exists per
// active content type within the current period; the orchestrator owns its
// lifetime and drives it from a single goroutine under its errgroup.
type mediaState struct {
	id uuid.UUID

	contentType manifest.ContentType
	stream      *manifest.Stream
	lastStream  *manifest.Stream

	period *manifest.Period

	needInitSegment      bool
	lastSegmentReference *manifest.SegmentReference
	endOfStream          bool
	recovering           bool
	hasError             bool

	logger *slog.Logger
}

func newMediaState(ct manifest.ContentType, stream *manifest.Stream, period *manifest.Period, logger *slog.Logger) *mediaState {
	return &mediaState{
		id:              uuid.New(),
		contentType:     ct,
		stream:          stream,
		period:          period,
		needInitSegment: true,
		logger:          logger,
	}
}

// tick runs one pass of the §4.1 "MediaState update loop" and returns the
// duration to wait before the next tick, or a non-nil err if the type should
// be surfaced as failed. done=true tells the caller this type is done
// and no further ticks are needed.
func (e *StreamingEngine) tick(ctx context.Context, ms *mediaState) (wait time.Duration, done bool, err error) {
	if ms.endOfStream {
		return 0, true, nil
	}

	playhead := e.playhead.CurrentTime()
	bufferedEnd, hasBuffer := e.sink.BufferedEnd(ms.contentType)

	if e.allTypesExhausted() {
		if err := e.sink.EndOfStream(ctx); err != nil {
			return 0, false, NewMediaError(CodeMediaSourceOperationFailed, "sink endOfStream failed", err)
		}
		ms.endOfStream = true
		return 0, true, nil
	}

	bufferedAhead := 0.0
	if hasBuffer {
		bufferedAhead = math.Max(0, bufferedEnd-playhead)
	}
	goal := e.cfg().BufferingGoal.Seconds()
	if bufferedAhead >= goal {
		return time.Duration((bufferedAhead-goal+0.1)*float64(time.Second)) + 0, false, nil
	}

	target := playhead
	if hasBuffer {
		target = bufferedEnd
	}

	if e.presentation.Timeline.IsLive {
		availStart, availEnd := e.presentation.Timeline.Window()
		switch {
		case target < availStart+liveEdgeEpsilon:
			// Fallen out of the live window: jump forward to the current
			// availability start rather than fetching expired segments.
			target = availStart + liveEdgeEpsilon
		case target > availEnd-liveEdgeEpsilon:
			// Not yet available: reschedule without advancing.
			return e.cfg().SmallGapLimit, false, nil
		}
	}

	idx := ms.stream.Index()
	if idx == nil {
		built, err := e.indexFactory.CreateSegmentIndex(ctx, ms.period, ms.stream)
		if err != nil {
			return 0, false, NewNetworkError(CodeHTTPError, "building segment index", err)
		}
		idx = built
	}

	if !hasBuffer && e.cfg().StartAtSegmentBoundary {
		if pos, ok := idx.PositionForTime(target); ok {
			if ref, found := idx.Get(pos); found {
				target = ref.StartTime
			}
		}
	}

	targetPeriod := e.presentation.PeriodContaining(target)
	if targetPeriod != nil && targetPeriod != ms.period {
		return 0, false, errPeriodTransition
	}

	position, ok := idx.PositionForTime(target)
	if !ok {
		if last, hasLast := idx.Last(); hasLast {
			if ref, found := idx.Get(last); found && target >= ref.EndTime {
				// Mark and check under one lock so only the last type to
				// exhaust its index calls the sink's EndOfStream.
				e.mu.Lock()
				ms.endOfStream = true
				lastToEnd := true
				for _, other := range e.states {
					if !other.endOfStream {
						lastToEnd = false
						break
					}
				}
				e.mu.Unlock()
				if lastToEnd {
					if err := e.sink.EndOfStream(ctx); err != nil {
						return 0, false, NewMediaError(CodeMediaSourceOperationFailed, "sink endOfStream failed", err)
					}
				}
				return 0, true, nil
			}
		}
		return e.cfg().SmallGapLimit, false, nil
	}

	ref, ok := idx.Get(position)
	if !ok {
		return e.cfg().SmallGapLimit, false, nil
	}

	if gap := ref.StartTime - target; gap > e.cfg().SmallGapLimit.Seconds() && !e.cfg().JumpLargeGaps {
		// Large gap and gap-jumping disabled: stall instead of skipping
		// ahead to the next available segment.
		return e.cfg().SmallGapLimit, false, nil
	}

	if ms.needInitSegment && ms.stream.InitSegment != nil {
		data, err := e.fetchWithRetry(ctx, ms.stream.InitSegment.URIs, ms.stream.InitSegment.ByteRangeStart, ms.stream.InitSegment.ByteRangeEnd)
		if err != nil {
			return 0, false, err
		}
		if err := e.sink.Append(ctx, ms.contentType, data, nil, nil); err != nil {
			return 0, false, NewMediaError(CodeMediaSourceOperationFailed, "appending init segment", err)
		}
		ms.needInitSegment = false
	}

	data, err := e.fetchWithRetry(ctx, ref.URIs, ref.ByteRangeStart, ref.ByteRangeEnd)
	if err != nil {
		return 0, false, err
	}

	start, end := ref.StartTime, ref.EndTime
	if err := e.sink.Append(ctx, ms.contentType, data, &start, &end); err != nil {
		if se, ok := err.(*StreamingError); ok && se.Code == CodeQuotaExceeded {
			if evictErr := e.evict(ctx, ms, playhead); evictErr != nil {
				return 0, false, evictErr
			}
			return 0, false, nil
		}
		return 0, false, NewMediaError(CodeMediaSourceOperationFailed, "appending media segment", err)
	}
	ms.lastSegmentReference = ref
	ms.lastStream = ms.stream
	if e.callbacks.OnSegmentAppended != nil {
		e.callbacks.OnSegmentAppended()
	}

	if ms.contentType == manifest.ContentVideo && ms.stream.ContainsEmsgBoxes {
		if err := e.handleEmsgBoxes(data, ref.StartTime); err != nil {
			e.logger.Warn("failed to parse emsg boxes", slog.String("error", err.Error()))
		}
	}

	if err := e.evict(ctx, ms, playhead); err != nil {
		return 0, false, err
	}

	return e.cfg().SmallGapLimit, false, nil
}

// evict removes buffered-behind content past bufferBehind, per §4.1 step 8.
func (e *StreamingEngine) evict(ctx context.Context, ms *mediaState, playhead float64) error {
	behind := e.cfg().BufferBehind.Seconds()
	cutoff := playhead - behind
	if cutoff <= 0 {
		return nil
	}
	if err := e.sink.Remove(ctx, ms.contentType, 0, cutoff); err != nil {
		return NewMediaError(CodeMediaSourceOperationFailed, "evicting buffered-behind range", err)
	}
	return nil
}

var errPeriodTransition = NewMediaError(CodeMediaSourceOperationFailed, "period transition required", nil)

// liveEdgeEpsilon is the margin kept inside the live availability window
// (§4.1's "availabilityStart + ε, availabilityEnd − ε") to avoid fetching a
// segment that expires or publishes mid-request.
const liveEdgeEpsilon = 0.5
