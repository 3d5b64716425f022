package segmenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcast/prismcast/internal/mp4box"
	"github.com/prismcast/prismcast/internal/store"
	"github.com/prismcast/prismcast/internal/testutil"
)

func TestKeyframeStatsIntervals(t *testing.T) {
	k := NewKeyframeStats()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	k.Record(mp4box.KeyframeSync, base, true)
	k.Record(mp4box.KeyframeNonSync, base.Add(1*time.Second), false)
	k.Record(mp4box.KeyframeSync, base.Add(2*time.Second), true)
	k.Record(mp4box.KeyframeSync, base.Add(6*time.Second), true)
	k.Record(mp4box.KeyframeIndeterminate, base.Add(7*time.Second), true)

	snap := k.Snapshot()
	assert.Equal(t, uint64(3), snap.KeyframeCount)
	assert.Equal(t, uint64(1), snap.NonKeyframeCount)
	assert.Equal(t, uint64(1), snap.IndeterminateCount)
	assert.Equal(t, uint64(1), snap.SegmentsWithoutLeadingKeyframe)

	assert.InDelta(t, 2000, snap.MinIntervalMs, 0.01)
	assert.InDelta(t, 4000, snap.MaxIntervalMs, 0.01)
	assert.InDelta(t, 3000, snap.AvgIntervalMs, 0.01)
}

func TestPipelineKeyframeDiagnostics(t *testing.T) {
	clock := newFakeClock()
	p, _ := newTestPipeline(t, clock, Config{
		TargetSegmentDuration: 2,
		MaxSegments:           4,
		KeyframeDiagnostics:   true,
	})

	require.NoError(t, p.Ingest(testutil.Init(t, testutil.VideoTrack())))
	require.NoError(t, p.Ingest(oneSecondFragment(t, 1)))
	clock.Advance(time.Second)

	nonSync := testutil.Fragment(t, 2,
		testutil.Run{TrackID: 1, SampleDur: 3000, NumSamples: 30, NonSync: true})
	require.NoError(t, p.Ingest(nonSync))

	snap, ok := p.KeyframeSnapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.KeyframeCount)
	assert.Equal(t, uint64(1), snap.NonKeyframeCount)
	// The non-sync moof opened segment 1 after the fast-path cut.
	assert.Equal(t, uint64(1), snap.SegmentsWithoutLeadingKeyframe)
}

func TestPipelineKeyframeDiagnosticsDisabled(t *testing.T) {
	p := NewPipeline("test", store.New(), Config{Logger: testLogger()})
	_, ok := p.KeyframeSnapshot()
	assert.False(t, ok)
}
