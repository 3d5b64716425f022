// Package supervisor owns stream lifecycle: it tunes captures on demand,
// restarts or hands them off while preserving timestamp continuity, and
// tears streams down when no client is watching.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/prismcast/prismcast/internal/capture"
	"github.com/prismcast/prismcast/internal/channels"
	"github.com/prismcast/prismcast/internal/segmenter"
	"github.com/prismcast/prismcast/internal/store"
)

// ErrNotTuned indicates an operation on a channel with no active stream.
var ErrNotTuned = errors.New("channel not tuned")

// Config configures the supervisor.
type Config struct {
	// SegmentDuration and MaxSegments are handed to each pipeline.
	SegmentDuration     float64
	MaxSegments         int
	KeyframeDiagnostics bool

	// IdleTimeout tears a stream down after this long without a playlist
	// request.
	IdleTimeout time.Duration

	// ReadBufferSize is the capture read chunk size.
	ReadBufferSize int

	// MaxRestarts bounds supervised restarts within RestartWindow.
	MaxRestarts   int
	RestartWindow time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SegmentDuration: 4.0,
		MaxSegments:     6,
		IdleTimeout:     60 * time.Second,
		ReadBufferSize:  64 * 1024,
		MaxRestarts:     3,
		RestartWindow:   5 * time.Minute,
		Logger:          slog.Default(),
	}
}

// stream is one supervised capture. Guarded by Supervisor.mu.
type stream struct {
	channel    channels.Channel
	sessionID  string
	store      *store.Store
	pipeline   *segmenter.Pipeline
	reader     io.ReadCloser
	cancel     context.CancelFunc
	startedAt  time.Time
	lastAccess time.Time
	restarts   []time.Time
	failed     bool
}

// StreamStatus is a read-only view of one supervised stream.
type StreamStatus struct {
	ChannelID    string                      `json:"channel_id"`
	ChannelName  string                      `json:"channel_name"`
	SessionID    string                      `json:"session_id"`
	StartedAt    time.Time                   `json:"started_at"`
	LastAccess   time.Time                   `json:"last_access"`
	SegmentCount int                         `json:"segment_count"`
	Restarts     int                         `json:"restarts"`
	Failed       bool                        `json:"failed"`
	Stats        segmenter.Stats             `json:"stats"`
	Keyframes    *segmenter.KeyframeSnapshot `json:"keyframes,omitempty"`
}

// Supervisor multiplexes channels onto capture pipelines.
type Supervisor struct {
	config   Config
	logger   *slog.Logger
	source   capture.Source
	registry channels.Registry
	metrics  *Metrics

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// New creates a supervisor. metrics may be nil to disable instrumentation.
func New(source capture.Source, registry channels.Registry, metrics *Metrics, config Config) *Supervisor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 64 * 1024
	}
	return &Supervisor{
		config:   config,
		logger:   config.Logger,
		source:   source,
		registry: registry,
		metrics:  metrics,
		streams:  make(map[string]*stream),
	}
}

// Tune returns the store for channelID, starting a capture pipeline on
// first use. Also records client liveness.
func (s *Supervisor) Tune(ctx context.Context, channelID string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("supervisor closed")
	}

	if str, ok := s.streams[channelID]; ok {
		str.lastAccess = time.Now()
		return str.store, nil
	}

	ch, err := s.registry.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}

	str := &stream{
		channel:    ch,
		sessionID:  ulid.Make().String(),
		store:      store.New(),
		startedAt:  time.Now(),
		lastAccess: time.Now(),
	}
	if err := s.startPipelineLocked(str, segmenter.Config{}); err != nil {
		return nil, err
	}
	s.streams[channelID] = str

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
	}
	s.logger.Info("stream tuned",
		slog.String("channel_id", ch.ID),
		slog.String("session_id", str.sessionID))

	return str.store, nil
}

// Lookup returns the store for an already-tuned channel without starting a
// capture. Segment and init fetches use this so stray requests do not spin
// up browsers.
func (s *Supervisor) Lookup(channelID string) (*store.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	str, ok := s.streams[channelID]
	if !ok {
		return nil, false
	}
	return str.store, true
}

// Touch records a playlist request for idle tracking.
func (s *Supervisor) Touch(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := s.streams[channelID]; ok {
		str.lastAccess = time.Now()
	}
}

// startPipelineLocked builds a pipeline from seed (zero value for a fresh
// start), opens a capture, and starts the pipe goroutine.
func (s *Supervisor) startPipelineLocked(str *stream, seed segmenter.Config) error {
	seed.TargetSegmentDuration = s.config.SegmentDuration
	seed.MaxSegments = s.config.MaxSegments
	seed.KeyframeDiagnostics = s.config.KeyframeDiagnostics
	seed.ReadBufferSize = s.config.ReadBufferSize
	seed.Logger = s.logger

	channelID := str.channel.ID
	sessionID := str.sessionID
	seed.OnError = func(err error) {
		s.logger.Warn("pipeline stream fault",
			slog.String("channel_id", channelID),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		go s.recover(channelID, sessionID)
	}

	pipeline := segmenter.NewPipeline(sessionID, str.store, seed)

	ctx, cancel := context.WithCancel(context.Background())
	reader, err := s.source.Open(ctx, str.channel)
	if err != nil {
		cancel()
		return fmt.Errorf("opening capture for channel %s: %w", channelID, err)
	}

	str.pipeline = pipeline
	str.reader = reader
	str.cancel = cancel

	if s.metrics != nil {
		s.metrics.PipelinesStarted.Inc()
	}

	go func() {
		defer reader.Close()
		_ = pipeline.Pipe(ctx, reader)
	}()
	return nil
}

// Handoff replaces the capture behind channelID while keeping segment
// indices, init versions, and track timestamps monotonic, so clients see a
// single continuous playlist.
func (s *Supervisor) Handoff(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	str, ok := s.streams[channelID]
	if !ok {
		return ErrNotTuned
	}
	if s.metrics != nil {
		s.metrics.Handoffs.Inc()
	}
	return s.replacePipelineLocked(str)
}

// replacePipelineLocked flushes the outgoing pipeline, snapshots it, and
// seeds a successor. The buffered tail is emitted before the snapshot so the
// successor's starting index follows it.
func (s *Supervisor) replacePipelineLocked(str *stream) error {
	str.pipeline.MarkDiscontinuity()
	snap := str.pipeline.Snapshot()
	str.pipeline.Stop()
	str.cancel()
	_ = str.reader.Close()
	if s.metrics != nil {
		s.metrics.PipelinesStopped.Inc()
	}

	str.sessionID = ulid.Make().String()
	seed := segmenter.Config{
		InitialTrackTimestamps: snap.TrackTimestamps,
		StartingSegmentIndex:   snap.NextSegmentIndex,
		StartingInitVersion:    snap.InitVersion,
		PreviousInitSegment:    snap.InitSegment,
		PendingDiscontinuity:   true,
	}
	if err := s.startPipelineLocked(str, seed); err != nil {
		str.failed = true
		return err
	}

	s.logger.Info("pipeline handed off",
		slog.String("channel_id", str.channel.ID),
		slog.String("session_id", str.sessionID),
		slog.Uint64("starting_index", snap.NextSegmentIndex),
		slog.Uint64("init_version", snap.InitVersion))
	return nil
}

// recover restarts a faulted pipeline, preserving continuity, up to
// MaxRestarts within RestartWindow.
func (s *Supervisor) recover(channelID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, ok := s.streams[channelID]
	if !ok || str.sessionID != sessionID || str.failed {
		return
	}

	now := time.Now()
	recent := str.restarts[:0]
	for _, t := range str.restarts {
		if now.Sub(t) < s.config.RestartWindow {
			recent = append(recent, t)
		}
	}
	str.restarts = append(recent, now)

	if len(str.restarts) > s.config.MaxRestarts {
		s.logger.Error("stream exhausted restarts, giving up",
			slog.String("channel_id", channelID),
			slog.Int("restarts", len(str.restarts)))
		str.failed = true
		str.pipeline.Stop()
		str.cancel()
		_ = str.reader.Close()
		if s.metrics != nil {
			s.metrics.StreamFailures.Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.Restarts.Inc()
	}
	if err := s.replacePipelineLocked(str); err != nil {
		s.logger.Error("restart failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}

// Release stops and removes the stream for channelID. Idempotent.
func (s *Supervisor) Release(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(channelID)
}

func (s *Supervisor) releaseLocked(channelID string) {
	str, ok := s.streams[channelID]
	if !ok {
		return
	}
	str.pipeline.Stop()
	str.cancel()
	_ = str.reader.Close()
	delete(s.streams, channelID)
	if s.metrics != nil {
		s.metrics.PipelinesStopped.Inc()
		s.metrics.ActiveStreams.Dec()
	}
	s.logger.Info("stream released", slog.String("channel_id", channelID))
}

// Run drives the idle reaper until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.config.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Supervisor) reapIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, str := range s.streams {
		if now.Sub(str.lastAccess) > s.config.IdleTimeout {
			s.logger.Info("stream idle, tearing down",
				slog.String("channel_id", id),
				slog.Duration("idle", now.Sub(str.lastAccess)))
			if s.metrics != nil {
				s.metrics.IdleTeardowns.Inc()
			}
			s.releaseLocked(id)
		}
	}
}

// Close stops every stream. Further Tune calls fail.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.streams {
		s.releaseLocked(id)
	}
}

// Status reports every supervised stream.
func (s *Supervisor) Status() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStatus, 0, len(s.streams))
	for id, str := range s.streams {
		status := StreamStatus{
			ChannelID:    id,
			ChannelName:  str.channel.Name,
			SessionID:    str.sessionID,
			StartedAt:    str.startedAt,
			LastAccess:   str.lastAccess,
			SegmentCount: str.store.SegmentCount(),
			Restarts:     len(str.restarts),
			Failed:       str.failed,
			Stats:        str.pipeline.Stats(),
		}
		if snap, ok := str.pipeline.KeyframeSnapshot(); ok {
			status.Keyframes = &snap
		}
		out = append(out, status)
	}
	return out
}
