package mp4box

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcast/prismcast/internal/testutil"
)

type collectedBox struct {
	boxType string
	data    []byte
}

func newCollector() (*Parser, *[]collectedBox) {
	boxes := &[]collectedBox{}
	p := NewParser(ParserConfig{
		OnBox: func(boxType string, data []byte) error {
			*boxes = append(*boxes, collectedBox{boxType, append([]byte{}, data...)})
			return nil
		},
	})
	return p, boxes
}

func rawBox(boxType string, payload []byte) []byte {
	box := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(box[:4], uint32(8+len(payload)))
	copy(box[4:8], boxType)
	copy(box[8:], payload)
	return box
}

func TestParserWholeBoxes(t *testing.T) {
	p, boxes := newCollector()

	data := append(rawBox("styp", []byte{1, 2, 3, 4}), rawBox("free", nil)...)
	require.NoError(t, p.Push(data))

	require.Len(t, *boxes, 2)
	assert.Equal(t, "styp", (*boxes)[0].boxType)
	assert.Equal(t, rawBox("styp", []byte{1, 2, 3, 4}), (*boxes)[0].data)
	assert.Equal(t, "free", (*boxes)[1].boxType)
	assert.Equal(t, 0, p.Buffered())
}

func TestParserArbitraryChunking(t *testing.T) {
	ftyp, moov := testutil.InitParts(t, testutil.VideoTrack())
	frag := testutil.Fragment(t, 1, testutil.Run{TrackID: 1, SampleDur: 3000, NumSamples: 30})
	stream := append(append(append([]byte{}, ftyp...), moov...), frag...)

	for _, chunkSize := range []int{1, 7, 8, 13, 1000} {
		t.Run(fmt.Sprintf("chunk_%d", chunkSize), func(t *testing.T) {
			p, boxes := newCollector()
			for off := 0; off < len(stream); off += chunkSize {
				end := off + chunkSize
				if end > len(stream) {
					end = len(stream)
				}
				require.NoError(t, p.Push(stream[off:end]))
			}

			require.Len(t, *boxes, 4)
			assert.Equal(t, "ftyp", (*boxes)[0].boxType)
			assert.Equal(t, "moov", (*boxes)[1].boxType)
			assert.Equal(t, "moof", (*boxes)[2].boxType)
			assert.Equal(t, "mdat", (*boxes)[3].boxType)
			assert.Equal(t, moov, (*boxes)[1].data)
		})
	}
}

func TestParserExtendedSize(t *testing.T) {
	payload := []byte{0xaa, 0xbb}
	box := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(box[:4], 1)
	copy(box[4:8], "mdat")
	binary.BigEndian.PutUint64(box[8:16], uint64(len(box)))
	copy(box[16:], payload)

	p, boxes := newCollector()
	// Split inside the extended size field to exercise the 16-byte wait.
	require.NoError(t, p.Push(box[:12]))
	require.Len(t, *boxes, 0)
	require.NoError(t, p.Push(box[12:]))

	require.Len(t, *boxes, 1)
	assert.Equal(t, "mdat", (*boxes)[0].boxType)
	assert.Equal(t, box, (*boxes)[0].data)
}

func TestParserMalformed(t *testing.T) {
	tests := []struct {
		name    string
		header  []byte
		wantErr error
	}{
		{
			name: "size zero",
			header: func() []byte {
				b := rawBox("mdat", nil)
				binary.BigEndian.PutUint32(b[:4], 0)
				return b
			}(),
			wantErr: ErrUnboundedBox,
		},
		{
			name: "size below header",
			header: func() []byte {
				b := rawBox("mdat", nil)
				binary.BigEndian.PutUint32(b[:4], 4)
				return b
			}(),
			wantErr: ErrShortBox,
		},
		{
			name: "oversize",
			header: func() []byte {
				b := rawBox("mdat", nil)
				binary.BigEndian.PutUint32(b[:4], 1<<31)
				return b
			}(),
			wantErr: ErrBoxTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newCollector()
			err := p.Push(tt.header)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParserFlushDiscardsPartial(t *testing.T) {
	p, boxes := newCollector()

	full := rawBox("styp", []byte{9, 9})
	require.NoError(t, p.Push(full[:6]))
	assert.Equal(t, 6, p.Buffered())

	p.Flush()
	assert.Equal(t, 0, p.Buffered())

	// The discarded prefix must not corrupt later input.
	require.NoError(t, p.Push(full))
	require.Len(t, *boxes, 1)
	assert.Equal(t, "styp", (*boxes)[0].boxType)
}

func TestParserCallbackErrorAborts(t *testing.T) {
	wantErr := assert.AnError
	p := NewParser(ParserConfig{
		OnBox: func(string, []byte) error { return wantErr },
	})
	err := p.Push(rawBox("styp", nil))
	assert.ErrorIs(t, err, wantErr)
}
