// Package streaming implements the StreamingEngine orchestrator and its
// per-content-type MediaState machines (§4.1): the scheduling loop that
// keeps each content type's buffer ahead of the playhead, drives period
// transitions, seeks, stream switches, and eviction, and surfaces or
// recovers from network/media/text faults.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/streamcore/internal/manifest"
	"golang.org/x/sync/errgroup"
)

// StreamingEngine drives one mediaState goroutine per active content type
// under an errgroup bound to the engine's lifetime context. Destroy cancels
// that context and waits for every loop to quiesce.
type StreamingEngine struct {
	presentation *manifest.Presentation
	sink         MediaSink
	network      NetworkEngine
	playhead     Playhead
	chooser      StreamChooser
	indexFactory *manifest.IndexFactory
	callbacks    Callbacks
	logger       *slog.Logger

	mu            sync.Mutex
	config        Config
	currentPeriod *manifest.Period
	states        map[manifest.ContentType]*mediaState
	startupDone   map[manifest.ContentType]bool

	cancel context.CancelFunc
	group  *errgroup.Group
	wakeMu sync.Mutex
	wake   map[manifest.ContentType]chan struct{}
}

// Dependencies bundles the external collaborators the engine needs. All
// fields are required except Logger.
type Dependencies struct {
	Presentation *manifest.Presentation
	Sink         MediaSink
	Network      NetworkEngine
	Playhead     Playhead
	Chooser      StreamChooser
	IndexFactory *manifest.IndexFactory
	Callbacks    Callbacks
	Logger       *slog.Logger
}

// New constructs a StreamingEngine. Call Init to start the MediaState loops.
func New(deps Dependencies, cfg Config) *StreamingEngine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingEngine{
		presentation: deps.Presentation,
		sink:         deps.Sink,
		network:      deps.Network,
		playhead:     deps.Playhead,
		chooser:      deps.Chooser,
		indexFactory: deps.IndexFactory,
		callbacks:    deps.Callbacks,
		logger:       logger,
		config:       cfg,
		states:       make(map[manifest.ContentType]*mediaState),
		startupDone:  make(map[manifest.ContentType]bool),
		wake:         make(map[manifest.ContentType]chan struct{}),
	}
}

func (e *StreamingEngine) cfg() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Configure hot-updates the engine's configuration; takes effect on each
// MediaState's next tick.
func (e *StreamingEngine) Configure(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
}

// Init runs the §4.1 startup protocol: choose streams for the period
// containing the playhead, initialize the sink, build segment indices, and
// start each type's loop. It returns as soon as the loops are started;
// Callbacks.OnStartupComplete reports when every type has reached the
// rebuffering goal.
func (e *StreamingEngine) Init(ctx context.Context) error {
	firstPeriod := e.presentation.PeriodContaining(e.playhead.CurrentTime())
	if firstPeriod == nil && len(e.presentation.Periods) > 0 {
		firstPeriod = e.presentation.Periods[0]
	}

	streams, err := e.chooser.ChooseStreams(ctx, firstPeriod)
	if err != nil {
		return NewMediaError(CodeMediaSourceOperationFailed, "choosing initial streams", err)
	}

	correctPeriod := e.presentation.PeriodContaining(e.playhead.CurrentTime())
	if correctPeriod != nil && correctPeriod != firstPeriod {
		firstPeriod = correctPeriod
		streams, err = e.chooser.ChooseStreams(ctx, firstPeriod)
		if err != nil {
			return NewMediaError(CodeMediaSourceOperationFailed, "re-choosing initial streams", err)
		}
	}

	e.mu.Lock()
	e.currentPeriod = firstPeriod
	e.mu.Unlock()

	for ct, stream := range streams {
		if err := e.sink.InitSource(ct, stream.MimeType); err != nil {
			return NewMediaError(CodeMediaSourceOperationFailed, "initializing sink for "+string(ct), err)
		}
	}
	if err := e.sink.SetDuration(e.presentation.Timeline.Duration); err != nil {
		return NewMediaError(CodeMediaSourceOperationFailed, "setting sink duration", err)
	}

	for ct, stream := range streams {
		if _, err := e.indexFactory.CreateSegmentIndex(ctx, firstPeriod, stream); err != nil {
			return NewNetworkError(CodeHTTPError, "building initial segment index for "+string(ct), err)
		}
	}
	if e.callbacks.OnInitialStreamsSetup != nil {
		e.callbacks.OnInitialStreamsSetup()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(ctx)
	e.group = group

	e.mu.Lock()
	for ct, stream := range streams {
		ms := newMediaState(ct, stream, firstPeriod, e.logger)
		e.states[ct] = ms
	}
	states := make([]*mediaState, 0, len(e.states))
	for _, ms := range e.states {
		states = append(states, ms)
	}
	e.mu.Unlock()

	var startupMu sync.Mutex
	startupRemaining := len(states)

	for _, ms := range states {
		ms := ms
		group.Go(func() error {
			// runLoop reports its own failures via OnError and never returns
			// a non-nil error: a shared errgroup.WithContext would otherwise
			// cancel groupCtx on the first per-type failure, killing every
			// other content type's loop along with it.
			e.runLoop(groupCtx, ms, func() {
				startupMu.Lock()
				defer startupMu.Unlock()
				if !e.startupDone[ms.contentType] {
					e.startupDone[ms.contentType] = true
					startupRemaining--
					if startupRemaining == 0 && e.callbacks.OnStartupComplete != nil {
						e.callbacks.OnStartupComplete()
					}
				}
			})
			return nil
		})
	}

	if e.callbacks.OnCanSwitch != nil {
		e.callbacks.OnCanSwitch(firstPeriod)
	}

	return nil
}

// runLoop drives one mediaState's tick loop until its context is canceled,
// it terminates, or it fails unrecoverably. onFirstAppend is invoked once,
// the first time this type has appended a media segment and its buffer
// ahead of the playhead meets Config.RebufferingGoal.
func (e *StreamingEngine) runLoop(ctx context.Context, ms *mediaState, onFirstAppend func()) error {
	wake := e.wakeChannel(ms.contentType)
	appended := false

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wait, done, err := e.tick(ctx, ms)
		if err != nil {
			if errors.Is(err, errPeriodTransition) {
				if transitioned := e.transitionPeriod(ctx, ms); !transitioned {
					return nil
				}
				continue
			}
			if !IsRecoverable(err) {
				if ms.contentType == manifest.ContentText && e.cfg().IgnoreTextStreamFailures {
					e.logger.Warn("text mediastate disabled after unrecoverable error",
						slog.String("media_state_id", ms.id.String()),
						slog.String("error", err.Error()))
					ms.endOfStream = true
					if e.callbacks.OnError != nil {
						e.callbacks.OnError(err)
					}
					return nil
				}
				ms.hasError = true
				e.logger.Error("mediastate failed",
					slog.String("media_state_id", ms.id.String()),
					slog.String("content_type", string(ms.contentType)),
					slog.String("error", err.Error()))
				if e.callbacks.OnError != nil {
					e.callbacks.OnError(err)
				}
				return nil
			}
			if cfg := e.cfg(); cfg.FailureCallback != nil {
				var se *StreamingError
				if errors.As(err, &se) && !cfg.FailureCallback(se) {
					continue
				}
			}
			if e.callbacks.OnError != nil {
				e.callbacks.OnError(err)
			}
			ms.recovering = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg().RetryParameters.BaseDelay):
			}
			continue
		}

		if !appended && ms.lastSegmentReference != nil && e.rebufferingGoalMet(ms) {
			appended = true
			onFirstAppend()
		}

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		case <-wake:
		}
	}
}

// rebufferingGoalMet reports whether ms has buffered at least
// Config.RebufferingGoal seconds ahead of the playhead, the precondition for
// counting this type toward startup completion (§4.1's rebufferingGoal:
// "minimum seconds required before declaring startup complete").
func (e *StreamingEngine) rebufferingGoalMet(ms *mediaState) bool {
	goal := e.cfg().RebufferingGoal.Seconds()
	if goal <= 0 {
		return true
	}
	bufferedEnd, hasBuffer := e.sink.BufferedEnd(ms.contentType)
	if !hasBuffer {
		return false
	}
	return bufferedEnd-e.playhead.CurrentTime() >= goal
}

// transitionPeriod invokes the period-transition protocol for one
// mediaState: re-choose the stream for the next period, rebuild its
// MediaState, and continue the loop under the new period. Returns false if
// no next period exists (end of presentation for this type).
func (e *StreamingEngine) transitionPeriod(ctx context.Context, ms *mediaState) bool {
	idx := e.presentation.IndexOf(ms.period)
	if idx < 0 || idx+1 >= len(e.presentation.Periods) {
		return false
	}
	nextPeriod := e.presentation.Periods[idx+1]

	streams, err := e.chooser.ChooseStreams(ctx, nextPeriod)
	if err != nil {
		e.logger.Error("choosing streams for next period failed", slog.String("error", err.Error()))
		return false
	}
	stream, ok := streams[ms.contentType]
	if !ok {
		return false
	}

	mimeChanged := ms.stream.MimeType != stream.MimeType
	ms.stream = stream
	ms.period = nextPeriod
	ms.needInitSegment = true
	if ms.contentType == manifest.ContentText && mimeChanged {
		e.logger.Info("text mime type changed across period boundary; text sink is not reinitialized")
	}

	e.mu.Lock()
	e.currentPeriod = nextPeriod
	e.mu.Unlock()

	if e.callbacks.OnCanSwitch != nil {
		e.callbacks.OnCanSwitch(nextPeriod)
	}
	return true
}

// allTypesExhausted reports whether every active MediaState has reached the
// end of its last period's segment index, the precondition for calling the
// sink's endOfStream (§4.1 step 2).
func (e *StreamingEngine) allTypesExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.states) == 0 {
		return false
	}
	for _, ms := range e.states {
		if !ms.endOfStream {
			return false
		}
	}
	return true
}

func (e *StreamingEngine) wakeChannel(ct manifest.ContentType) chan struct{} {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	ch, ok := e.wake[ct]
	if !ok {
		ch = make(chan struct{}, 1)
		e.wake[ct] = ch
	}
	return ch
}

func (e *StreamingEngine) wakeAll() {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	for _, ch := range e.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Seeked notifies the engine that the playhead moved, per §4.1's seek
// semantics: reschedules every type, clearing buffers for types whose new
// target falls outside their buffered range, and restarting the transition
// protocol if the seek lands in a different period.
func (e *StreamingEngine) Seeked(ctx context.Context) error {
	now := e.playhead.CurrentTime()

	e.mu.Lock()
	states := make([]*mediaState, 0, len(e.states))
	for _, ms := range e.states {
		states = append(states, ms)
	}
	currentPeriod := e.currentPeriod
	e.mu.Unlock()

	newPeriod := e.presentation.PeriodContaining(now)
	if newPeriod != nil && newPeriod != currentPeriod {
		for _, ms := range states {
			if err := e.sink.Remove(ctx, ms.contentType, 0, 1<<62); err != nil {
				return NewMediaError(CodeMediaSourceOperationFailed, "clearing buffer on seek", err)
			}
			ms.period = newPeriod
			ms.needInitSegment = true
			ms.endOfStream = false
		}
		e.mu.Lock()
		e.currentPeriod = newPeriod
		e.mu.Unlock()
		e.wakeAll()
		return nil
	}

	for _, ms := range states {
		bufferedEnd, hasBuffer := e.sink.BufferedEnd(ms.contentType)
		if !hasBuffer || now < bufferedEnd-e.cfg().BufferBehind.Seconds() || now > bufferedEnd {
			if err := e.sink.Remove(ctx, ms.contentType, 0, 1<<62); err != nil {
				return NewMediaError(CodeMediaSourceOperationFailed, "clearing buffer on seek", err)
			}
			ms.needInitSegment = true
		}
	}
	e.wakeAll()
	return nil
}

// Switch substitutes newStream for the current stream of contentType,
// optionally clearing the buffer and repopulating from the playhead.
func (e *StreamingEngine) Switch(ctx context.Context, ct manifest.ContentType, newStream *manifest.Stream, clearBuffer bool) error {
	e.mu.Lock()
	ms, ok := e.states[ct]
	e.mu.Unlock()
	if !ok {
		return NewMediaError(CodeMediaSourceOperationFailed, "switch: no active mediastate for "+string(ct), nil)
	}

	if clearBuffer {
		if err := e.sink.Remove(ctx, ct, 0, 1<<62); err != nil {
			return NewMediaError(CodeMediaSourceOperationFailed, "clearing buffer on switch", err)
		}
	}

	ms.lastStream = ms.stream
	ms.stream = newStream
	ms.needInitSegment = true
	e.wakeAll()
	return nil
}

// SetTrickPlay swaps the active video stream with its trick-mode
// counterpart (enabled) or restores the normal stream (disabled), clearing
// the video buffer in both directions.
func (e *StreamingEngine) SetTrickPlay(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	ms, ok := e.states[manifest.ContentVideo]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	var target *manifest.Stream
	if enabled {
		if ms.stream.TrickModeVideo == nil {
			return nil
		}
		target = ms.stream.TrickModeVideo
	} else {
		if ms.lastStream == nil {
			return nil
		}
		target = ms.lastStream
	}

	return e.Switch(ctx, manifest.ContentVideo, target, true)
}

// Destroy cancels all pending work and waits for every MediaState loop to
// quiesce.
func (e *StreamingEngine) Destroy() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		return e.group.Wait()
	}
	return nil
}

// Snapshot returns a read-only view of each active content type's state,
// for the introspection API.
func (e *StreamingEngine) Snapshot() map[manifest.ContentType]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[manifest.ContentType]string, len(e.states))
	for ct, ms := range e.states {
		switch {
		case ms.hasError:
			out[ct] = string(stateFailed)
		case ms.endOfStream:
			out[ct] = "ENDED"
		case ms.recovering:
			out[ct] = string(stateRecovering)
		default:
			out[ct] = string(stateIdle)
		}
	}
	return out
}
