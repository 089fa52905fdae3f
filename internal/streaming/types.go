package streaming

import (
	"context"
	"time"

	"github.com/jmylchreest/streamcore/internal/manifest"
)

// NetworkEngine issues retried, range-capable fetches for segment and init
// segment bytes. It is an external collaborator per §1: the orchestrator
// never constructs requests itself, only URIs and byte ranges.
type NetworkEngine interface {
	Fetch(ctx context.Context, uris []string, byteRangeStart, byteRangeEnd *int64) ([]byte, error)
}

// MediaSink is the opaque downstream buffer the orchestrator appends to.
// For audio/video content types this models a MediaSource SourceBuffer.
// Text segments are appended to the same MediaSink; this package does not
// route them to internal/text.Engine.
type MediaSink interface {
	InitSource(ct manifest.ContentType, mimeType string) error
	Append(ctx context.Context, ct manifest.ContentType, data []byte, startTime, endTime *float64) error
	Remove(ctx context.Context, ct manifest.ContentType, start, end float64) error
	EndOfStream(ctx context.Context) error
	SetDuration(d float64) error
	BufferedEnd(ct manifest.ContentType) (float64, bool)
}

// Playhead reports the current presentation time. Seek notifications arrive
// separately via StreamingEngine.Seeked; the playhead itself only reports
// "where are we now".
type Playhead interface {
	CurrentTime() float64
}

// StreamChooser resolves, for a given period, which Stream to use per
// content type — the ABR/track-selection policy, external to the core.
type StreamChooser interface {
	ChooseStreams(ctx context.Context, period *manifest.Period) (map[manifest.ContentType]*manifest.Stream, error)
}

// RetryParameters bounds how fetch retries are spaced, mirroring
// internal/config's StreamingConfig.RetryParameters.
type RetryParameters struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	FuzzFactor    float64
	Timeout       time.Duration
}

// Config is the orchestrator's hot-updatable configuration, per §4.1.
type Config struct {
	BufferingGoal                 time.Duration
	RebufferingGoal               time.Duration
	BufferBehind                  time.Duration
	RetryParameters               RetryParameters
	InfiniteRetriesForLiveStreams bool
	IgnoreTextStreamFailures      bool
	StartAtSegmentBoundary        bool
	SmallGapLimit                 time.Duration
	JumpLargeGaps                 bool

	// MaxSegmentBytes caps the size of a single fetched segment; a larger
	// response is treated as an unrecoverable fetch error. Zero disables
	// the check.
	MaxSegmentBytes int64

	// FailureCallback is consulted before a recoverable network error is
	// surfaced to the caller; returning false swallows the error and lets
	// the MediaState keep retrying.
	FailureCallback func(err *StreamingError) (surface bool)
}

// Callbacks are the orchestrator's event hooks into its container, per the
// startup/period-transition/event protocols in §4.1.
type Callbacks struct {
	OnInitialStreamsSetup func()
	OnStartupComplete     func()
	OnCanSwitch           func(period *manifest.Period)
	OnManifestUpdate      func()
	OnEvent               func(ev Event)

	// OnError reports a per-MediaState error to the container. It fires for
	// both unrecoverable errors (the MediaState stops advancing) and
	// recoverable ones that survive FailureCallback's veto.
	OnError func(err error)

	// OnSegmentAppended fires once per successful media segment append,
	// after the sink accepts the data.
	OnSegmentAppended func()
}

// Event is an emsg box surfaced to the container, per §4.1's emsg handling.
type Event struct {
	StartTime             float64
	EndTime               float64
	SchemeIDURI           string
	Value                 string
	Timescale             uint32
	PresentationTimeDelta uint64
	EventDuration         uint32
	ID                    uint32
	MessageData           []byte
}

const emsgManifestUpdateScheme = "urn:mpeg:dash:event:2012"
