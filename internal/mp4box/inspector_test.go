package mp4box

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcast/prismcast/internal/testutil"
)

func TestInspectMoovTimescales(t *testing.T) {
	_, moov := testutil.InitParts(t,
		testutil.Track{Timescale: 90000, MediaType: "video"},
		testutil.Track{Timescale: 48000, MediaType: "audio"},
	)

	info, err := InspectMoov(moov)
	require.NoError(t, err)

	assert.Equal(t, map[uint32]uint32{1: 90000, 2: 48000}, info.Timescales)
	assert.Contains(t, info.Defaults, uint32(1))
	assert.Contains(t, info.Defaults, uint32(2))
}

func TestInspectMoovNoTracks(t *testing.T) {
	_, moov := testutil.InitParts(t)

	info, err := InspectMoov(moov)
	require.NoError(t, err)
	assert.Empty(t, info.Timescales)
}

func TestInspectMoovNotAMoov(t *testing.T) {
	ftyp, _ := testutil.InitParts(t, testutil.VideoTrack())

	_, err := InspectMoov(ftyp)
	assert.Error(t, err)
}

func TestInspectMoovGarbage(t *testing.T) {
	_, err := InspectMoov([]byte{0, 0, 0})
	assert.Error(t, err)
}
