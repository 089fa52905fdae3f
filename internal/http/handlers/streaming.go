// Package handlers provides HTTP API handlers for streamcore.
package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/streamcore/internal/streaming"
	"github.com/jmylchreest/streamcore/internal/text"
)

// StreamingHandler exposes a read-only introspection view of the
// StreamingEngine orchestrator and TextEngine cue store. It is an ambient
// add-on: it talks to the core only through Snapshot(), the same public
// operation an operator dashboard or debugging tool would use.
type StreamingHandler struct {
	engine     *streaming.StreamingEngine
	textEngine *text.Engine
}

// NewStreamingHandler creates a handler over engine and textEngine. Either
// may be nil if that subsystem isn't wired in this deployment.
func NewStreamingHandler(engine *streaming.StreamingEngine, textEngine *text.Engine) *StreamingHandler {
	return &StreamingHandler{engine: engine, textEngine: textEngine}
}

// StreamingStateInput is the input for the streaming state endpoint.
type StreamingStateInput struct{}

// StreamingStateOutput is the output for the streaming state endpoint.
type StreamingStateOutput struct {
	Body StreamingStateResponse
}

// StreamingStateResponse reports each active content type's MediaState.
type StreamingStateResponse struct {
	States map[string]string `json:"states"`
}

// StreamingCuesInput is the input for the streaming cues endpoint.
type StreamingCuesInput struct{}

// StreamingCuesOutput is the output for the streaming cues endpoint.
type StreamingCuesOutput struct {
	Body StreamingCuesResponse
}

// StreamingCuesResponse reports the TextEngine's currently stored cues.
type StreamingCuesResponse struct {
	Cues []text.Cue `json:"cues"`
}

// Register registers the streaming introspection routes with the API.
func (h *StreamingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStreamingState",
		Method:      "GET",
		Path:        "/v1/streaming/state",
		Summary:     "StreamingEngine state",
		Description: "Returns the current MediaState of every active content type",
		Tags:        []string{"Streaming"},
	}, h.GetStreamingState)

	huma.Register(api, huma.Operation{
		OperationID: "getStreamingCues",
		Method:      "GET",
		Path:        "/v1/streaming/cues",
		Summary:     "TextEngine cues",
		Description: "Returns the cues currently held by the text cue store",
		Tags:        []string{"Streaming"},
	}, h.GetStreamingCues)
}

// GetStreamingState returns a snapshot of the orchestrator's per-type state.
func (h *StreamingHandler) GetStreamingState(ctx context.Context, input *StreamingStateInput) (*StreamingStateOutput, error) {
	states := map[string]string{}
	if h.engine != nil {
		for ct, state := range h.engine.Snapshot() {
			states[string(ct)] = state
		}
	}
	return &StreamingStateOutput{Body: StreamingStateResponse{States: states}}, nil
}

// GetStreamingCues returns a snapshot of the text engine's cue store.
func (h *StreamingHandler) GetStreamingCues(ctx context.Context, input *StreamingCuesInput) (*StreamingCuesOutput, error) {
	var cues []text.Cue
	if h.textEngine != nil {
		cues = h.textEngine.Snapshot()
	}
	return &StreamingCuesOutput{Body: StreamingCuesResponse{Cues: cues}}, nil
}
