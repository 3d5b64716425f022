package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcast/prismcast/internal/capture"
	"github.com/prismcast/prismcast/internal/channels"
	"github.com/prismcast/prismcast/internal/store"
	"github.com/prismcast/prismcast/internal/testutil"
)

func testRegistry() channels.Registry {
	return channels.NewStaticRegistry([]channels.Channel{
		{ID: "c1", Name: "Channel One", URL: "https://example.com/one"},
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.SegmentDuration = 2
	cfg.MaxSegments = 6
	return cfg
}

// streamBytes builds init plus n one-second fragments.
func streamBytes(t *testing.T, init []byte, firstSeq uint32, n int) []byte {
	t.Helper()
	out := append([]byte{}, init...)
	for i := 0; i < n; i++ {
		out = append(out, testutil.Fragment(t, firstSeq+uint32(i),
			testutil.Run{TrackID: 1, SampleDur: 3000, NumSamples: 30})...)
	}
	return out
}

func waitForSegments(t *testing.T, st *store.Store, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return st.SegmentCount() >= want
	}, 2*time.Second, 5*time.Millisecond, "want %d segments, have %d", want, st.SegmentCount())
}

func TestSupervisorTuneProducesSegments(t *testing.T) {
	init := testutil.Init(t, testutil.VideoTrack())
	src := capture.NewReaderSource(io.NopCloser(bytes.NewReader(streamBytes(t, init, 1, 4))))
	s := New(src, testRegistry(), nil, testConfig())
	defer s.Close()

	st, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)

	// Fast-path first segment plus the end-of-stream flush.
	waitForSegments(t, st, 2)

	initSeg, ok := st.Init()
	require.True(t, ok)
	assert.Equal(t, uint64(1), initSeg.Version)

	// Tuning again reuses the stream.
	again, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)
	assert.Same(t, st, again)
}

func TestSupervisorTuneUnknownChannel(t *testing.T) {
	s := New(capture.NewReaderSource(), testRegistry(), nil, testConfig())
	defer s.Close()

	_, err := s.Tune(context.Background(), "nope")
	assert.ErrorIs(t, err, channels.ErrNotFound)
}

func TestSupervisorHandoffIdenticalInit(t *testing.T) {
	init := testutil.Init(t, testutil.VideoTrack())
	src := capture.NewReaderSource(
		io.NopCloser(bytes.NewReader(streamBytes(t, init, 1, 8))),
		io.NopCloser(bytes.NewReader(streamBytes(t, init, 9, 2))),
	)
	s := New(src, testRegistry(), NewMetrics(prometheus.NewRegistry()), testConfig())
	defer s.Close()

	st, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)
	waitForSegments(t, st, 2)
	countBefore := st.SegmentCount()
	indicesBefore := st.Indices()

	require.NoError(t, s.Handoff(context.Background(), "c1"))
	waitForSegments(t, st, countBefore+2)

	// Indices continue where the outgoing pipeline left off.
	indices := st.Indices()
	assert.Equal(t, indicesBefore[len(indicesBefore)-1]+1, indices[len(indicesBefore)])

	// Identical init: same version, and no discontinuity marker.
	initSeg, ok := st.Init()
	require.True(t, ok)
	assert.Equal(t, uint64(1), initSeg.Version)

	playlist, ok := st.Playlist()
	require.True(t, ok)
	assert.NotContains(t, string(playlist), "#EXT-X-DISCONTINUITY")
	assert.Contains(t, string(playlist), `#EXT-X-MAP:URI="init.mp4?v=1"`)
}

func TestSupervisorHandoffChangedInit(t *testing.T) {
	initA := testutil.Init(t, testutil.VideoTrack())
	initB := testutil.Init(t, testutil.Track{Timescale: 48000, MediaType: "video"})
	src := capture.NewReaderSource(
		io.NopCloser(bytes.NewReader(streamBytes(t, initA, 1, 8))),
		io.NopCloser(bytes.NewReader(streamBytes(t, initB, 9, 2))),
	)
	s := New(src, testRegistry(), nil, testConfig())
	defer s.Close()

	st, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)
	waitForSegments(t, st, 2)
	countBefore := st.SegmentCount()
	firstNewIndex := st.Indices()[countBefore-1] + 1

	require.NoError(t, s.Handoff(context.Background(), "c1"))
	waitForSegments(t, st, countBefore+2)

	initSeg, ok := st.Init()
	require.True(t, ok)
	assert.Equal(t, uint64(2), initSeg.Version, "changed init bumps the version")

	playlist, ok := st.Playlist()
	require.True(t, ok)
	text := string(playlist)

	// Exactly one discontinuity, at the first post-handoff segment,
	// followed by a map with the new version.
	assert.Equal(t, 1, strings.Count(text, "#EXT-X-DISCONTINUITY\n"))
	marker := "#EXT-X-DISCONTINUITY\n#EXT-X-MAP:URI=\"init.mp4?v=2\"\n"
	idx := strings.Index(text, marker)
	require.GreaterOrEqual(t, idx, 0, "playlist:\n%s", text)
	after := text[idx+len(marker):]
	assert.True(t, strings.HasPrefix(after, "#EXTINF:"), "playlist:\n%s", text)
	assert.Contains(t, after, fmt.Sprintf("segment%d.m4s", firstNewIndex))
}

func TestSupervisorRecoverAfterFault(t *testing.T) {
	init := testutil.Init(t, testutil.VideoTrack())
	// First capture is garbage (size-zero box): unrecoverable parse error.
	garbage := []byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}
	src := capture.NewReaderSource(
		io.NopCloser(bytes.NewReader(garbage)),
		io.NopCloser(bytes.NewReader(streamBytes(t, init, 1, 4))),
	)
	s := New(src, testRegistry(), nil, testConfig())
	defer s.Close()

	st, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)

	// The supervisor restarts onto the second capture and produces media.
	waitForSegments(t, st, 2)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Restarts)
	assert.False(t, status[0].Failed)
}

func TestSupervisorGivesUpAfterMaxRestarts(t *testing.T) {
	garbage := func() io.ReadCloser {
		return io.NopCloser(bytes.NewReader([]byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}))
	}
	src := capture.NewReaderSource(garbage(), garbage(), garbage(), garbage(), garbage())
	cfg := testConfig()
	cfg.MaxRestarts = 2
	s := New(src, testRegistry(), nil, cfg)
	defer s.Close()

	_, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := s.Status()
		return len(status) == 1 && status[0].Failed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisorIdleTeardown(t *testing.T) {
	init := testutil.Init(t, testutil.VideoTrack())
	src := capture.NewReaderSource(io.NopCloser(bytes.NewReader(streamBytes(t, init, 1, 2))))
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	s := New(src, testRegistry(), nil, cfg)
	defer s.Close()

	_, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s.reapIdle()

	_, ok := s.Lookup("c1")
	assert.False(t, ok, "idle stream must be torn down")
}

func TestSupervisorTouchKeepsAlive(t *testing.T) {
	init := testutil.Init(t, testutil.VideoTrack())
	src := capture.NewReaderSource(io.NopCloser(bytes.NewReader(streamBytes(t, init, 1, 2))))
	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	s := New(src, testRegistry(), nil, cfg)
	defer s.Close()

	_, err := s.Tune(context.Background(), "c1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		s.Touch("c1")
	}
	s.reapIdle()

	_, ok := s.Lookup("c1")
	assert.True(t, ok, "touched stream stays alive")
}
