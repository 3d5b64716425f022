// Package segmenter turns a continuous fMP4 byte stream into versioned init
// segments, HLS media segments, and a sliding-window playlist, published to
// a per-stream store.
package segmenter

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prismcast/prismcast/internal/mp4box"
	"github.com/prismcast/prismcast/internal/observability"
	"github.com/prismcast/prismcast/internal/store"
)

// Config configures a pipeline.
type Config struct {
	// TargetSegmentDuration is the wall-clock cut interval in seconds.
	TargetSegmentDuration float64

	// MaxSegments is the playlist sliding-window size; older segments are
	// evicted from the store on each emission.
	MaxSegments int

	// KeyframeDiagnostics enables per-moof sync-sample accounting. Purely
	// observational; never affects the cut policy.
	KeyframeDiagnostics bool

	// ReadBufferSize is the chunk size Pipe reads with. Zero means 64 KiB.
	ReadBufferSize int

	// Seeding values carried across a supervised handoff. Zero values give
	// fresh-start behaviour.
	InitialTrackTimestamps map[uint32]uint64
	StartingSegmentIndex   uint64
	StartingInitVersion    uint64
	PreviousInitSegment    []byte
	PendingDiscontinuity   bool

	// Logger for structured logging.
	Logger *slog.Logger

	// Now is the clock used by the cut policy and diagnostics. Nil means
	// time.Now; tests inject a fake.
	Now func() time.Time

	// OnError is invoked at most once, on an unrecoverable stream fault.
	OnError func(error)

	// OnStop is invoked once when the pipeline transitions to stopped.
	OnStop func()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TargetSegmentDuration: 4.0,
		MaxSegments:           6,
		Logger:                slog.Default(),
	}
}

type state int

const (
	stateAwaitingInit state = iota
	stateRunning
	stateStopped
)

// Stats is a snapshot of pipeline health counters.
type Stats struct {
	BytesIn       uint64
	MoofCount     uint64
	SegmentCount  uint64
	RewriteFaults uint64
	ClampCount    uint64
}

// Snapshot carries the state a supervisor needs to seed a replacement
// pipeline so clients observe one continuous playlist across a handoff.
type Snapshot struct {
	TrackTimestamps  map[uint32]uint64
	NextSegmentIndex uint64
	InitVersion      uint64
	InitSegment      []byte
}

// Pipeline is the per-stream segmenting state machine. All mutation happens
// on the ingest path; control methods and snapshots share one mutex with it.
type Pipeline struct {
	id     string
	config Config
	logger *slog.Logger
	now    func() time.Time
	store  *store.Store
	parser *mp4box.Parser

	mu    sync.Mutex
	state state

	ftyp         []byte
	initBytes    []byte
	initVersion  uint64
	moovInfo     mp4box.MoovInfo
	haveMoovInfo bool

	trackTimestamps   map[uint32]uint64
	expectedDurations map[uint32]uint64

	nextIndex            uint64
	anySegmentEmitted    bool
	pendingDiscontinuity bool
	discontinuities      map[uint64]struct{}
	durations            map[uint64]float64

	seg struct {
		buf         bytes.Buffer
		fragments   int
		accumulated map[uint32]uint64
		startTime   time.Time
	}

	keyframes *KeyframeStats
	stats     Stats
	errorSent bool
}

// NewPipeline creates a pipeline publishing into st.
func NewPipeline(id string, st *store.Store, config Config) *Pipeline {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TargetSegmentDuration <= 0 {
		config.TargetSegmentDuration = 4.0
	}
	if config.MaxSegments <= 0 {
		config.MaxSegments = 6
	}

	p := &Pipeline{
		id:                   id,
		config:               config,
		logger:               config.Logger.With(slog.String("pipeline_id", id)),
		now:                  config.Now,
		store:                st,
		trackTimestamps:      make(map[uint32]uint64, len(config.InitialTrackTimestamps)),
		expectedDurations:    make(map[uint32]uint64),
		nextIndex:            config.StartingSegmentIndex,
		initVersion:          config.StartingInitVersion,
		pendingDiscontinuity: config.PendingDiscontinuity,
		discontinuities:      make(map[uint64]struct{}),
		durations:            make(map[uint64]float64),
	}
	for tid, ts := range config.InitialTrackTimestamps {
		p.trackTimestamps[tid] = ts
	}
	if config.KeyframeDiagnostics {
		p.keyframes = NewKeyframeStats()
	}
	p.seg.accumulated = make(map[uint32]uint64)
	p.parser = mp4box.NewParser(mp4box.ParserConfig{OnBox: p.handleBox})
	return p
}

// Ingest feeds a chunk of the capture byte stream. Chunk boundaries are
// arbitrary. A parse error stops the pipeline and fires OnError once.
func (p *Pipeline) Ingest(chunk []byte) error {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return nil
	}
	p.stats.BytesIn += uint64(len(chunk))
	err := p.parser.Push(chunk)
	var fireError, fireStop bool
	if err != nil && !p.errorSent {
		p.errorSent = true
		fireError = true
		fireStop = p.stopLocked()
	}
	p.mu.Unlock()

	if fireError {
		p.logger.Error("stream parse error", slog.String("error", err.Error()))
		if p.config.OnError != nil {
			p.config.OnError(err)
		}
	}
	if fireStop && p.config.OnStop != nil {
		p.config.OnStop()
	}
	return err
}

// Pipe reads r until EOF, error, or context cancellation. A clean EOF
// flushes the fragment buffer as a final short segment; errors and
// cancellation do not.
func (p *Pipeline) Pipe(ctx context.Context, r io.Reader) error {
	size := p.config.ReadBufferSize
	if size <= 0 {
		size = 64 * 1024
	}
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			p.Stop()
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ierr := p.Ingest(buf[:n]); ierr != nil {
				return ierr
			}
		}
		if err == io.EOF {
			p.Finish()
			return nil
		}
		if err != nil {
			p.Stop()
			return err
		}
	}
}

// Finish is the natural end-of-stream path: emit whatever is buffered, then
// stop.
func (p *Pipeline) Finish() {
	p.mu.Lock()
	if p.state == stateRunning && p.seg.fragments > 0 {
		p.emitLocked()
	}
	fireStop := p.stopLocked()
	p.mu.Unlock()
	if fireStop && p.config.OnStop != nil {
		p.config.OnStop()
	}
}

// Stop detaches from the stream without flushing the fragment buffer.
// Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	fireStop := p.stopLocked()
	p.mu.Unlock()
	if fireStop && p.config.OnStop != nil {
		p.config.OnStop()
	}
}

func (p *Pipeline) stopLocked() bool {
	if p.state == stateStopped {
		return false
	}
	p.state = stateStopped
	p.parser.Flush()
	return true
}

// MarkDiscontinuity emits the current buffer as a short segment (if any) and
// flags the next emitted index as a discontinuity. Called by the supervisor
// before a disruptive capture replacement.
func (p *Pipeline) MarkDiscontinuity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning && p.seg.fragments > 0 {
		p.emitLocked()
	}
	p.pendingDiscontinuity = true
}

// Snapshot returns the handoff state: counters, next index, init version and
// bytes. Safe to call at any time.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := make(map[uint32]uint64, len(p.trackTimestamps))
	for tid, v := range p.trackTimestamps {
		ts[tid] = v
	}
	var init []byte
	if p.initBytes != nil {
		init = append([]byte{}, p.initBytes...)
	}
	return Snapshot{
		TrackTimestamps:  ts,
		NextSegmentIndex: p.nextIndex,
		InitVersion:      p.initVersion,
		InitSegment:      init,
	}
}

// Stats returns a copy of the health counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// KeyframeSnapshot returns keyframe diagnostics, or ok=false when disabled.
func (p *Pipeline) KeyframeSnapshot() (KeyframeSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyframes == nil {
		return KeyframeSnapshot{}, false
	}
	return p.keyframes.Snapshot(), true
}

// handleBox is the parser callback; runs with p.mu held via Ingest.
func (p *Pipeline) handleBox(boxType string, data []byte) error {
	switch p.state {
	case stateStopped:
		return nil

	case stateAwaitingInit:
		switch boxType {
		case "ftyp":
			p.ftyp = data
		case "moov":
			p.handleMoovLocked(data)
		default:
			p.logger.Log(context.Background(), observability.LevelTrace, "dropping pre-init box",
				slog.String("box_type", boxType),
				slog.Int("size", len(data)))
		}

	case stateRunning:
		switch boxType {
		case "moof":
			p.handleMoofLocked(data)
		case "mdat":
			p.seg.buf.Write(data)
		case "ftyp":
			p.ftyp = data
		case "moov":
			p.handleMoovLocked(data)
		default:
			// styp, sidx and friends ride along with the current segment.
			p.seg.buf.Write(data)
		}
	}
	return nil
}

// handleMoovLocked assembles and versions the init segment and transitions
// to RUNNING. A midstream moov re-versions the init and, when the bytes
// differ, marks a discontinuity for the next segment.
func (p *Pipeline) handleMoovLocked(data []byte) {
	info, err := mp4box.InspectMoov(data)
	if err != nil {
		p.logger.Warn("moov inspection failed, falling back to wall-clock durations",
			slog.String("error", err.Error()))
	}
	if !p.haveMoovInfo {
		p.moovInfo = info
		p.haveMoovInfo = true
	} else {
		// Timescales are fixed once seen; only adopt tracks that are new.
		for tid, ts := range info.Timescales {
			if _, ok := p.moovInfo.Timescales[tid]; !ok {
				p.moovInfo.Timescales[tid] = ts
			}
		}
		for tid, def := range info.Defaults {
			if _, ok := p.moovInfo.Defaults[tid]; !ok {
				p.moovInfo.Defaults[tid] = def
			}
		}
	}

	initBytes := make([]byte, 0, len(p.ftyp)+len(data))
	initBytes = append(initBytes, p.ftyp...)
	initBytes = append(initBytes, data...)

	prev := p.initBytes
	if prev == nil {
		prev = p.config.PreviousInitSegment
	}

	switch {
	case prev != nil && bytes.Equal(prev, initBytes):
		// Codec parameters unchanged: keep the version and suppress any
		// pending discontinuity.
		if p.initVersion == 0 {
			p.initVersion = 1
		}
		p.pendingDiscontinuity = false
	default:
		p.initVersion++
		if prev != nil && p.state == stateRunning {
			p.pendingDiscontinuity = true
		}
	}

	p.initBytes = initBytes
	p.store.PublishInit(p.initVersion, initBytes)

	p.logger.Info("init segment published",
		slog.Uint64("init_version", p.initVersion),
		slog.Int("size", len(initBytes)),
		slog.Int("tracks", len(p.moovInfo.Timescales)))

	if p.state == stateAwaitingInit {
		p.state = stateRunning
		p.resetSegmentLocked()
	}
}

// handleMoofLocked applies the cut policy, rewrites timestamps, and
// accumulates durations with the sanity clamp.
func (p *Pipeline) handleMoofLocked(data []byte) {
	p.stats.MoofCount++

	// Cut decision comes before the new fragment joins the buffer.
	if p.seg.fragments > 0 && p.shouldCutLocked() {
		p.emitLocked()
	}

	segmentStart := p.seg.fragments == 0

	res, err := mp4box.RewriteMoof(data, p.trackTimestamps, p.moovInfo.Defaults)
	if err != nil {
		// Fragment-level fault: the moof passes through with its original
		// timestamps and no counter advances.
		p.stats.RewriteFaults++
		p.logger.Debug("moof rewrite failed, passing fragment through",
			slog.String("error", err.Error()))
		if p.keyframes != nil {
			p.keyframes.Record(mp4box.KeyframeIndeterminate, p.now(), segmentStart)
		}
		p.seg.buf.Write(data)
		p.seg.fragments++
		return
	}

	for tid, dur := range res.Durations {
		advance := dur
		if baseline, ok := p.expectedDurations[tid]; ok {
			if dur > baseline*20 || dur*20 < baseline {
				p.stats.ClampCount++
				p.logger.Debug("fragment duration anomaly, clamping to baseline",
					slog.Uint64("track_id", uint64(tid)),
					slog.Uint64("duration", dur),
					slog.Uint64("baseline", baseline))
				advance = baseline
			}
		} else if dur > 0 {
			p.expectedDurations[tid] = dur
		}
		p.trackTimestamps[tid] += advance
		p.seg.accumulated[tid] += advance
	}

	if p.keyframes != nil {
		p.keyframes.Record(res.Keyframe, p.now(), segmentStart)
	}

	p.seg.buf.Write(res.Data)
	p.seg.fragments++
}

// shouldCutLocked implements the cut policy for a non-empty buffer: the
// first segment cuts at the first complete fragment to minimize
// time-to-first-byte; afterwards the wall clock decides.
func (p *Pipeline) shouldCutLocked() bool {
	if !p.anySegmentEmitted {
		return true
	}
	return p.now().Sub(p.seg.startTime).Seconds() >= p.config.TargetSegmentDuration
}

// emitLocked publishes the buffered fragments as one segment and
// regenerates the playlist.
func (p *Pipeline) emitLocked() {
	index := p.nextIndex
	if p.pendingDiscontinuity {
		p.discontinuities[index] = struct{}{}
		p.pendingDiscontinuity = false
	}

	duration := p.mediaDurationLocked()
	data := append([]byte{}, p.seg.buf.Bytes()...)

	p.durations[index] = duration
	p.nextIndex++

	var lowest uint64
	if p.nextIndex > uint64(p.config.MaxSegments) {
		lowest = p.nextIndex - uint64(p.config.MaxSegments)
	}
	for idx := range p.durations {
		if idx < lowest {
			delete(p.durations, idx)
		}
	}

	playlist := p.renderPlaylistLocked()
	p.store.PublishSegment(index, data, playlist, lowest)

	p.stats.SegmentCount++
	p.anySegmentEmitted = true

	p.logger.Debug("segment emitted",
		slog.Uint64("index", index),
		slog.Float64("duration", duration),
		slog.Int("size", len(data)),
		slog.Int("fragments", p.seg.fragments))

	p.resetSegmentLocked()
}

// mediaDurationLocked derives the segment duration from accumulated trun
// time, falling back to the wall clock, floored at 0.1 s.
func (p *Pipeline) mediaDurationLocked() float64 {
	var maxSec float64
	for tid, acc := range p.seg.accumulated {
		timescale := p.moovInfo.Timescales[tid]
		if timescale == 0 {
			continue
		}
		if sec := float64(acc) / float64(timescale); sec > maxSec {
			maxSec = sec
		}
	}
	if maxSec == 0 {
		maxSec = p.now().Sub(p.seg.startTime).Seconds()
	}
	if maxSec < 0.1 {
		maxSec = 0.1
	}
	return maxSec
}

func (p *Pipeline) resetSegmentLocked() {
	p.seg.buf.Reset()
	p.seg.fragments = 0
	p.seg.accumulated = make(map[uint32]uint64)
	p.seg.startTime = p.now()
}
