// Package testutil builds fMP4 fixtures for tests. All fixtures are
// authored programmatically with mp4ff; no binary files are checked in.
package testutil

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Track describes one track in a generated init segment. Track IDs are
// assigned sequentially from 1 in declaration order.
type Track struct {
	Timescale uint32
	MediaType string // "video" or "audio"
}

// VideoTrack is the single 90 kHz video track most tests use.
func VideoTrack() Track {
	return Track{Timescale: 90000, MediaType: "video"}
}

// InitParts returns separately encoded ftyp and moov bytes for the given
// tracks.
func InitParts(t *testing.T, tracks ...Track) (ftyp, moov []byte) {
	t.Helper()

	init := mp4.CreateEmptyInit()
	for _, tr := range tracks {
		init.AddEmptyTrack(tr.Timescale, tr.MediaType, "und")
	}

	var ftypBuf, moovBuf bytes.Buffer
	if err := init.Ftyp.Encode(&ftypBuf); err != nil {
		t.Fatalf("encoding ftyp: %v", err)
	}
	if err := init.Moov.Encode(&moovBuf); err != nil {
		t.Fatalf("encoding moov: %v", err)
	}
	return ftypBuf.Bytes(), moovBuf.Bytes()
}

// Init returns ftyp||moov for the given tracks.
func Init(t *testing.T, tracks ...Track) []byte {
	t.Helper()
	ftyp, moov := InitParts(t, tracks...)
	return append(append([]byte{}, ftyp...), moov...)
}

// Run describes the samples one track contributes to a fragment.
type Run struct {
	TrackID    uint32
	DecodeTime uint64
	SampleDur  uint32
	NumSamples int
	SampleSize int
	// NonSync marks every sample, including the first, as a non-sync
	// sample. The default is a sync first sample followed by non-sync ones.
	NonSync bool
}

// FragmentBox builds a moof+mdat fragment as an mp4ff Fragment so tests can
// mutate boxes before encoding.
func FragmentBox(t *testing.T, seq uint32, runs ...Run) *mp4.Fragment {
	t.Helper()

	trackIDs := make([]uint32, 0, len(runs))
	for _, r := range runs {
		trackIDs = append(trackIDs, r.TrackID)
	}
	frag, err := mp4.CreateMultiTrackFragment(seq, trackIDs)
	if err != nil {
		t.Fatalf("creating fragment: %v", err)
	}

	for _, r := range runs {
		size := r.SampleSize
		if size == 0 {
			size = 100
		}
		dt := r.DecodeTime
		for i := 0; i < r.NumSamples; i++ {
			flags := mp4.NonSyncSampleFlags
			if i == 0 && !r.NonSync {
				flags = mp4.SyncSampleFlags
			}
			fs := mp4.FullSample{
				Sample: mp4.Sample{
					Flags: flags,
					Dur:   r.SampleDur,
					Size:  uint32(size),
				},
				DecodeTime: dt,
				Data:       make([]byte, size),
			}
			if err := frag.AddFullSampleToTrack(fs, r.TrackID); err != nil {
				t.Fatalf("adding sample to track %d: %v", r.TrackID, err)
			}
			dt += uint64(r.SampleDur)
		}
	}
	return frag
}

// Fragment returns encoded moof+mdat bytes.
func Fragment(t *testing.T, seq uint32, runs ...Run) []byte {
	t.Helper()
	return EncodeFragment(t, FragmentBox(t, seq, runs...))
}

// EncodeFragment encodes a fragment to moof+mdat bytes.
func EncodeFragment(t *testing.T, frag *mp4.Fragment) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := frag.Encode(&buf); err != nil {
		t.Fatalf("encoding fragment: %v", err)
	}
	return buf.Bytes()
}

// MoofWithoutTfhd handcrafts a moof{mfhd, traf{tfdt}} with no tfhd, the
// malformed-fragment shape used by fault-tolerance tests.
func MoofWithoutTfhd(t *testing.T) []byte {
	t.Helper()

	mfhd := make([]byte, 16)
	binary.BigEndian.PutUint32(mfhd[:4], 16)
	copy(mfhd[4:8], "mfhd")
	binary.BigEndian.PutUint32(mfhd[12:16], 1) // sequence_number

	tfdt := make([]byte, 16)
	binary.BigEndian.PutUint32(tfdt[:4], 16)
	copy(tfdt[4:8], "tfdt")

	traf := make([]byte, 8, 8+len(tfdt))
	binary.BigEndian.PutUint32(traf[:4], uint32(8+len(tfdt)))
	copy(traf[4:8], "traf")
	traf = append(traf, tfdt...)

	moof := make([]byte, 8, 8+len(mfhd)+len(traf))
	binary.BigEndian.PutUint32(moof[:4], uint32(8+len(mfhd)+len(traf)))
	copy(moof[4:8], "moof")
	moof = append(moof, mfhd...)
	moof = append(moof, traf...)
	return moof
}

// Mdat returns an mdat box with n payload bytes.
func Mdat(t *testing.T, n int) []byte {
	t.Helper()
	box := make([]byte, 8+n)
	binary.BigEndian.PutUint32(box[:4], uint32(8+n))
	copy(box[4:8], "mdat")
	return box
}

// SplitBox splits the first top-level box off of data, returning it and the
// remainder.
func SplitBox(t *testing.T, data []byte) (box, rest []byte) {
	t.Helper()
	if len(data) < 8 {
		t.Fatalf("short box: %d bytes", len(data))
	}
	size := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)) < size {
		t.Fatalf("truncated box: have %d want %d", len(data), size)
	}
	return data[:size], data[size:]
}
