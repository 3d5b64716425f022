package segmenter

import (
	"time"

	"github.com/prismcast/prismcast/internal/mp4box"
)

// KeyframeStats tracks sync-sample cadence across moofs. It is owned by one
// pipeline and guarded by the pipeline mutex; snapshots are copies.
type KeyframeStats struct {
	keyframeCount      uint64
	nonKeyframeCount   uint64
	indeterminateCount uint64

	segmentsWithoutLeadingKeyframe uint64

	lastKeyframeAt time.Time
	minInterval    time.Duration
	maxInterval    time.Duration
	totalInterval  time.Duration
	intervalCount  uint64
}

// KeyframeSnapshot is a read-only view of the counters.
type KeyframeSnapshot struct {
	KeyframeCount      uint64 `json:"keyframe_count"`
	NonKeyframeCount   uint64 `json:"non_keyframe_count"`
	IndeterminateCount uint64 `json:"indeterminate_count"`

	SegmentsWithoutLeadingKeyframe uint64 `json:"segments_without_leading_keyframe"`

	MinIntervalMs float64 `json:"min_interval_ms"`
	MaxIntervalMs float64 `json:"max_interval_ms"`
	AvgIntervalMs float64 `json:"avg_interval_ms"`
}

// NewKeyframeStats creates empty diagnostics.
func NewKeyframeStats() *KeyframeStats {
	return &KeyframeStats{}
}

// Record accounts one moof's sync status. segmentStart marks the first moof
// of a new segment, which is expected to open with a keyframe.
func (k *KeyframeStats) Record(status mp4box.KeyframeStatus, at time.Time, segmentStart bool) {
	switch status {
	case mp4box.KeyframeSync:
		k.keyframeCount++
		if !k.lastKeyframeAt.IsZero() {
			interval := at.Sub(k.lastKeyframeAt)
			if k.intervalCount == 0 || interval < k.minInterval {
				k.minInterval = interval
			}
			if interval > k.maxInterval {
				k.maxInterval = interval
			}
			k.totalInterval += interval
			k.intervalCount++
		}
		k.lastKeyframeAt = at
	case mp4box.KeyframeNonSync:
		k.nonKeyframeCount++
	default:
		k.indeterminateCount++
	}

	if segmentStart && status != mp4box.KeyframeSync {
		k.segmentsWithoutLeadingKeyframe++
	}
}

// Snapshot returns a copy of the counters.
func (k *KeyframeStats) Snapshot() KeyframeSnapshot {
	snap := KeyframeSnapshot{
		KeyframeCount:      k.keyframeCount,
		NonKeyframeCount:   k.nonKeyframeCount,
		IndeterminateCount: k.indeterminateCount,

		SegmentsWithoutLeadingKeyframe: k.segmentsWithoutLeadingKeyframe,
	}
	if k.intervalCount > 0 {
		snap.MinIntervalMs = float64(k.minInterval.Microseconds()) / 1000
		snap.MaxIntervalMs = float64(k.maxInterval.Microseconds()) / 1000
		snap.AvgIntervalMs = float64(k.totalInterval.Microseconds()) / 1000 / float64(k.intervalCount)
	}
	return snap
}
