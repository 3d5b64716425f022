package mp4box

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// ErrNotMoov indicates the inspected bytes do not decode to a moov box.
var ErrNotMoov = errors.New("not a moov box")

// TrackDefaults carries the trex defaults for one track, used when a
// fragment omits per-sample and per-fragment values.
type TrackDefaults struct {
	SampleDuration uint32
	SampleFlags    uint32
	HasSampleFlags bool
}

// MoovInfo is the per-track information the segmenter needs from the init.
type MoovInfo struct {
	// Timescales maps track_ID to mdhd.timescale.
	Timescales map[uint32]uint32
	// Defaults maps track_ID to its trex defaults.
	Defaults map[uint32]TrackDefaults
}

// InspectMoov extracts per-track timescales and trex defaults from raw moov
// bytes. Malformed or incomplete traks are skipped; a partial (or empty)
// result is valid and the segmenter tolerates it.
func InspectMoov(data []byte) (MoovInfo, error) {
	info := MoovInfo{
		Timescales: make(map[uint32]uint32),
		Defaults:   make(map[uint32]TrackDefaults),
	}

	box, err := mp4.DecodeBox(0, bytes.NewReader(data))
	if err != nil {
		return info, fmt.Errorf("decoding moov: %w", err)
	}
	moov, ok := box.(*mp4.MoovBox)
	if !ok {
		return info, fmt.Errorf("%w: got %q", ErrNotMoov, box.Type())
	}

	for _, trak := range moov.Traks {
		if trak.Tkhd == nil || trak.Mdia == nil || trak.Mdia.Mdhd == nil {
			continue
		}
		info.Timescales[trak.Tkhd.TrackID] = trak.Mdia.Mdhd.Timescale
	}

	if moov.Mvex != nil {
		for _, trex := range moov.Mvex.Trexs {
			info.Defaults[trex.TrackID] = TrackDefaults{
				SampleDuration: trex.DefaultSampleDuration,
				SampleFlags:    trex.DefaultSampleFlags,
				HasSampleFlags: true,
			}
		}
	}

	return info, nil
}
