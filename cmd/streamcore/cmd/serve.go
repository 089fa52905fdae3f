package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/streamcore/internal/config"
	"github.com/jmylchreest/streamcore/internal/database"
	"github.com/jmylchreest/streamcore/internal/dbengine"
	internalhttp "github.com/jmylchreest/streamcore/internal/http"
	"github.com/jmylchreest/streamcore/internal/http/handlers"
	"github.com/jmylchreest/streamcore/internal/httpclient"
	"github.com/jmylchreest/streamcore/internal/manifest"
	"github.com/jmylchreest/streamcore/internal/observability"
	"github.com/jmylchreest/streamcore/internal/streaming"
	"github.com/jmylchreest/streamcore/internal/text"
	_ "github.com/jmylchreest/streamcore/internal/textparser"
	"github.com/jmylchreest/streamcore/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming engine demo harness and introspection API",
	Long: `serve wires a StreamingEngine orchestrator against an in-memory demo
presentation, a local DBEngine store, and a TextEngine cue store, then
exposes a read-only HTTP introspection API over their state.

The network engine and media sink are demo implementations, not production
collaborators: a real deployment supplies its own NetworkEngine and
MediaSink and drives StreamingEngine directly as a library.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "streamcore.db", "DBEngine database file path")
	serveCmd.Flags().String("network", "memory", "Network engine for segment fetches: \"memory\" (fabricated bytes) or \"http\" (internal/httpclient)")
	serveCmd.Flags().String("segment-base-url", "", "Base URL segments are resolved against when --network=http")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("streaming.network", serveCmd.Flags().Lookup("network"))
	mustBindPFlag("streaming.segment_base_url", serveCmd.Flags().Lookup("segment-base-url"))
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	config.SetDefaults(viper.GetViper())
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbe, err := dbengine.Open(ctx, db, 3, cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("opening dbengine: %w", err)
	}
	defer dbe.Destroy()

	sink := newDemoSink(logger)
	textEngine := text.New(sink)
	if err := textEngine.InitParser("text/vtt"); err != nil {
		return fmt.Errorf("initializing text parser: %w", err)
	}

	segmentBaseURL := viper.GetString("streaming.segment_base_url")
	presentation := demoPresentation(segmentBaseURL)
	playhead := &demoPlayhead{start: time.Now()}
	chooser := &demoChooser{}

	var network streaming.NetworkEngine
	switch viper.GetString("streaming.network") {
	case "http":
		network = httpclient.NewWithDefaults()
	default:
		network = &demoNetwork{}
	}

	indexFactory := manifest.NewIndexFactory(func(_ context.Context, _ *manifest.Period, s *manifest.Stream) (manifest.SegmentIndex, error) {
		return s.Index(), nil
	})

	engine := streaming.New(streaming.Dependencies{
		Presentation: presentation,
		Sink:         sink,
		Network:      network,
		Playhead:     playhead,
		Chooser:      chooser,
		IndexFactory: indexFactory,
		Logger:       logger,
		Callbacks: streaming.Callbacks{
			OnStartupComplete: func() {
				logger.Info("demo presentation startup complete")
			},
			OnSegmentAppended: func() {
				logger.Debug("demo presentation: segment appended")
			},
			OnError: func(err error) {
				logger.Error("demo presentation: mediastate error", slog.String("error", err.Error()))
			},
		},
	}, streaming.Config{
		BufferingGoal:                 cfg.Streaming.BufferingGoal,
		RebufferingGoal:               cfg.Streaming.RebufferingGoal,
		BufferBehind:                  cfg.Streaming.BufferBehind,
		InfiniteRetriesForLiveStreams: cfg.Streaming.InfiniteRetriesForLiveStreams,
		IgnoreTextStreamFailures:      cfg.Streaming.IgnoreTextStreamFailures,
		StartAtSegmentBoundary:        cfg.Streaming.StartAtSegmentBoundary,
		SmallGapLimit:                 cfg.Streaming.SmallGapLimit,
		JumpLargeGaps:                 cfg.Streaming.JumpLargeGaps,
		MaxSegmentBytes:               cfg.Streaming.MaxSegmentBytes,
		RetryParameters: streaming.RetryParameters{
			MaxAttempts:   cfg.Streaming.RetryParameters.MaxAttempts,
			BaseDelay:     cfg.Streaming.RetryParameters.BaseDelay,
			MaxDelay:      cfg.Streaming.RetryParameters.MaxDelay,
			BackoffFactor: cfg.Streaming.RetryParameters.BackoffFactor,
			FuzzFactor:    cfg.Streaming.RetryParameters.FuzzFactor,
			Timeout:       cfg.Streaming.RetryParameters.Timeout,
		},
	})

	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("initializing streaming engine: %w", err)
	}
	defer engine.Destroy()

	serverConfig := internalhttp.ServerConfig{
		Host:            viper.GetString("server.host"),
		Port:            viper.GetInt("server.port"),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	docsHandler := handlers.NewDocsHandler("streamcore API", "/openapi.yaml", handlers.WithSystemTheme())
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	healthHandler := handlers.NewHealthHandler(version.Version).WithDB(db)
	healthHandler.Register(server.API())

	streamingHandler := handlers.NewStreamingHandler(engine, textEngine)
	streamingHandler.Register(server.API())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting streamcore demo server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// demoPresentation builds a small single-period, single-variant VOD
// presentation with four video segments, for manual smoke-testing. When
// baseURL is non-empty, segment URIs are resolved against it so --network=http
// can fetch them for real; otherwise they use the demo:// scheme fetched by
// demoNetwork.
func demoPresentation(baseURL string) *manifest.Presentation {
	videoStream := &manifest.Stream{ID: "video-0", Type: manifest.ContentVideo, MimeType: "video/mp4"}
	refs := make([]*manifest.SegmentReference, 0, 4)
	for i := uint64(0); i < 4; i++ {
		start := float64(i) * 4
		uri := fmt.Sprintf("demo://video/segment-%d.m4s", i)
		if baseURL != "" {
			uri = strings.TrimSuffix(baseURL, "/") + fmt.Sprintf("/segment-%d.m4s", i)
		}
		refs = append(refs, &manifest.SegmentReference{
			Position:  i,
			StartTime: start,
			EndTime:   start + 4,
			URIs:      []string{uri},
		})
	}
	videoStream.SetIndex(manifest.NewSliceIndex(refs))

	period := &manifest.Period{
		ID:       "period-0",
		Start:    0,
		Variants: []*manifest.Variant{{ID: "variant-0", Video: videoStream, Bandwidth: 2_000_000}},
	}

	return &manifest.Presentation{
		Periods:  []*manifest.Period{period},
		Timeline: &manifest.PresentationTimeline{Duration: 16},
	}
}

// demoPlayhead advances at wall-clock speed from engine startup, standing in
// for a real player's playback position.
type demoPlayhead struct {
	start time.Time
}

func (p *demoPlayhead) CurrentTime() float64 {
	return time.Since(p.start).Seconds()
}

// demoChooser always selects the first variant's streams, standing in for
// ABR/track-selection policy.
type demoChooser struct{}

func (c *demoChooser) ChooseStreams(_ context.Context, period *manifest.Period) (map[manifest.ContentType]*manifest.Stream, error) {
	streams := map[manifest.ContentType]*manifest.Stream{}
	if len(period.Variants) > 0 {
		v := period.Variants[0]
		if v.Video != nil {
			streams[manifest.ContentVideo] = v.Video
		}
		if v.Audio != nil {
			streams[manifest.ContentAudio] = v.Audio
		}
	}
	if len(period.Text) > 0 {
		streams[manifest.ContentText] = period.Text[0]
	}
	return streams, nil
}

// demoNetwork fabricates segment bytes locally instead of issuing real
// requests, so the demo harness runs without network access. A production
// NetworkEngine implementation is internal/httpclient, wired the same way.
type demoNetwork struct{}

func (n *demoNetwork) Fetch(_ context.Context, uris []string, _, _ *int64) ([]byte, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("demo network: no uris")
	}
	return []byte("demo-segment:" + uris[0]), nil
}

// demoSink is an in-memory stand-in for a MediaSource SourceBuffer,
// recording appends/removes and logging them instead of decoding media. It
// also serves as the TextEngine's Track, logging cue add/remove events.
type demoSink struct {
	logger *slog.Logger

	mu          sync.Mutex
	bufferedEnd map[manifest.ContentType]float64
	hasBuffer   map[manifest.ContentType]bool
}

func newDemoSink(logger *slog.Logger) *demoSink {
	return &demoSink{
		logger:      logger,
		bufferedEnd: map[manifest.ContentType]float64{},
		hasBuffer:   map[manifest.ContentType]bool{},
	}
}

func (s *demoSink) InitSource(ct manifest.ContentType, mimeType string) error {
	s.logger.Info("demo sink: init source", slog.String("content_type", string(ct)), slog.String("mime_type", mimeType))
	return nil
}

func (s *demoSink) Append(_ context.Context, ct manifest.ContentType, data []byte, startTime, endTime *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if endTime != nil {
		s.bufferedEnd[ct] = *endTime
		s.hasBuffer[ct] = true
	}
	fields := []any{slog.String("content_type", string(ct)), slog.Int("bytes", len(data))}
	if startTime != nil && endTime != nil {
		fields = append(fields, slog.Float64("start", *startTime), slog.Float64("end", *endTime))
	}
	s.logger.Debug("demo sink: append", fields...)
	return nil
}

func (s *demoSink) Remove(_ context.Context, ct manifest.ContentType, start, end float64) error {
	s.logger.Debug("demo sink: remove", slog.String("content_type", string(ct)), slog.Float64("start", start), slog.Float64("end", end))
	return nil
}

func (s *demoSink) EndOfStream(_ context.Context) error {
	s.logger.Info("demo sink: end of stream")
	return nil
}

func (s *demoSink) SetDuration(d float64) error {
	s.logger.Info("demo sink: set duration", slog.Float64("duration", d))
	return nil
}

func (s *demoSink) BufferedEnd(ct manifest.ContentType) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedEnd[ct], s.hasBuffer[ct]
}

// AddCue implements text.Track, logging cues the demo TextEngine inserts.
func (s *demoSink) AddCue(c text.Cue) {
	s.logger.Debug("demo sink: cue added", slog.Float64("start", c.StartTime), slog.Float64("end", c.EndTime), slog.String("payload", c.Payload))
}

// RemoveCue implements text.Track, logging cues the demo TextEngine evicts.
func (s *demoSink) RemoveCue(c text.Cue) {
	s.logger.Debug("demo sink: cue removed", slog.Float64("start", c.StartTime), slog.Float64("end", c.EndTime))
}
