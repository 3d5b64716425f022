package mp4box

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Rewrite errors. A rewrite failure applies to the whole moof: the caller
// passes the original bytes through and advances no counters.
var (
	ErrNotMoof     = errors.New("not a moof box")
	ErrMissingTfhd = errors.New("traf without tfhd")
	ErrMissingTfdt = errors.New("traf without tfdt")
)

// KeyframeStatus classifies the first sample of a moof's first traf.
type KeyframeStatus int

const (
	// KeyframeIndeterminate means no sample flags were resolvable.
	KeyframeIndeterminate KeyframeStatus = iota
	// KeyframeSync means the moof opens with a sync sample.
	KeyframeSync
	// KeyframeNonSync means the moof opens with a dependent sample.
	KeyframeNonSync
)

func (k KeyframeStatus) String() string {
	switch k {
	case KeyframeSync:
		return "sync"
	case KeyframeNonSync:
		return "non-sync"
	default:
		return "indeterminate"
	}
}

// RewriteResult is the outcome of a successful moof rewrite.
type RewriteResult struct {
	// Data is the rewritten moof. Box boundaries are unchanged except when a
	// version-0 tfdt had to grow to hold a 64-bit time, in which case every
	// trun data offset has been shifted to compensate.
	Data []byte
	// Durations is the summed trun sample duration per track, in timescale
	// units. The caller advances its counters by these (possibly clamped).
	Durations map[uint32]uint64
	// Keyframe is the sync status of the first traf's first sample.
	Keyframe KeyframeStatus
}

// RewriteMoof overwrites each traf's tfdt.baseMediaDecodeTime with the
// counter value for its track and reports each track's total sample duration
// derived from trun, falling back to tfhd then trex defaults.
//
// counters is read, never written: the caller owns the advance so it can
// apply its duration sanity clamp before committing.
func RewriteMoof(data []byte, counters map[uint32]uint64, defaults map[uint32]TrackDefaults) (RewriteResult, error) {
	res := RewriteResult{Durations: make(map[uint32]uint64)}

	box, err := mp4.DecodeBox(0, bytes.NewReader(data))
	if err != nil {
		return res, fmt.Errorf("decoding moof: %w", err)
	}
	moof, ok := box.(*mp4.MoofBox)
	if !ok {
		return res, fmt.Errorf("%w: got %q", ErrNotMoof, box.Type())
	}
	if len(moof.Trafs) == 0 {
		return res, fmt.Errorf("%w: moof has no traf", ErrMissingTfhd)
	}

	// A version-0 tfdt grows by 4 bytes when the new time needs 64 bits.
	// Data offsets are relative to the moof start, so every trun in the
	// fragment shifts by the accumulated growth.
	var sizeShift int32
	for _, traf := range moof.Trafs {
		if traf.Tfhd == nil {
			return res, ErrMissingTfhd
		}
		if traf.Tfdt == nil {
			return res, fmt.Errorf("%w: track %d", ErrMissingTfdt, traf.Tfhd.TrackID)
		}

		trackID := traf.Tfhd.TrackID
		oldSize := traf.Tfdt.Size()
		traf.Tfdt.SetBaseMediaDecodeTime(counters[trackID])
		sizeShift += int32(traf.Tfdt.Size()) - int32(oldSize)

		res.Durations[trackID] += trafDuration(traf, defaults[trackID])
	}

	if sizeShift != 0 {
		for _, traf := range moof.Trafs {
			for _, trun := range traf.Truns {
				if trun.HasDataOffset() {
					trun.DataOffset += sizeShift
				}
			}
		}
	}

	res.Keyframe = firstSampleStatus(moof.Trafs[0], defaults[moof.Trafs[0].Tfhd.TrackID])

	var out bytes.Buffer
	out.Grow(int(moof.Size()))
	if err := moof.Encode(&out); err != nil {
		return res, fmt.Errorf("encoding moof: %w", err)
	}
	res.Data = out.Bytes()
	return res, nil
}

// trafDuration sums sample durations across the traf's truns. Per-sample
// durations win; otherwise every sample gets the tfhd default, then the trex
// default, then zero.
func trafDuration(traf *mp4.TrafBox, def TrackDefaults) uint64 {
	var total uint64
	for _, trun := range traf.Truns {
		switch {
		case trun.HasSampleDuration():
			for _, s := range trun.Samples {
				total += uint64(s.Dur)
			}
		case traf.Tfhd.HasDefaultSampleDuration():
			total += uint64(trun.SampleCount()) * uint64(traf.Tfhd.DefaultSampleDuration)
		default:
			total += uint64(trun.SampleCount()) * uint64(def.SampleDuration)
		}
	}
	return total
}

// firstSampleStatus resolves the sync flags of the traf's first sample:
// trun per-sample flags, else tfhd defaults, else trex defaults, else
// indeterminate.
func firstSampleStatus(traf *mp4.TrafBox, def TrackDefaults) KeyframeStatus {
	var flags uint32
	switch {
	case len(traf.Truns) > 0 && traf.Truns[0].HasSampleFlags() && len(traf.Truns[0].Samples) > 0:
		flags = traf.Truns[0].Samples[0].Flags
	case traf.Tfhd.HasDefaultSampleFlags():
		flags = traf.Tfhd.DefaultSampleFlags
	case def.HasSampleFlags:
		flags = def.SampleFlags
	default:
		return KeyframeIndeterminate
	}
	if sampleIsSync(flags) {
		return KeyframeSync
	}
	return KeyframeNonSync
}

// sampleIsSync applies the 14496-12 sample_flags layout: a sample is a sync
// sample when sample_is_non_sync_sample is clear and sample_depends_on != 1.
// sample_depends_on == 2 (unknown) does not rule a sample out; only the
// non-sync bit and sample_depends_on == 1 do.
func sampleIsSync(flags uint32) bool {
	sampleDependsOn := (flags >> 24) & 0x3
	nonSync := flags&0x00010000 != 0
	return !nonSync && sampleDependsOn != 1
}
