package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInit(t *testing.T) {
	s := New()

	_, ok := s.Init()
	assert.False(t, ok)

	s.PublishInit(1, []byte("init-v1"))
	init, ok := s.Init()
	require.True(t, ok)
	assert.Equal(t, uint64(1), init.Version)
	assert.Equal(t, []byte("init-v1"), init.Data)
	assert.NotEmpty(t, init.ETag)

	// Same bytes hash to the same ETag across publishes.
	s.PublishInit(1, []byte("init-v1"))
	again, _ := s.Init()
	assert.Equal(t, init.ETag, again.ETag)

	s.PublishInit(2, []byte("init-v2"))
	bumped, _ := s.Init()
	assert.Equal(t, uint64(2), bumped.Version)
	assert.NotEqual(t, init.ETag, bumped.ETag)
}

func TestStoreSegmentWindow(t *testing.T) {
	s := New()
	const maxSegments = 5

	for i := uint64(0); i < 10; i++ {
		var lowest uint64
		if i+1 > maxSegments {
			lowest = i + 1 - maxSegments
		}
		s.PublishSegment(i, []byte{byte(i)}, []byte(fmt.Sprintf("playlist-%d", i)), lowest)
	}

	assert.Equal(t, maxSegments, s.SegmentCount())
	assert.Equal(t, []uint64{5, 6, 7, 8, 9}, s.Indices())

	_, ok := s.Segment(4)
	assert.False(t, ok, "evicted segment must be gone")

	data, ok := s.Segment(7)
	require.True(t, ok)
	assert.Equal(t, []byte{7}, data)

	playlist, ok := s.Playlist()
	require.True(t, ok)
	assert.Equal(t, "playlist-9", string(playlist))
}

func TestStorePlaylistBeforeFirstSegment(t *testing.T) {
	s := New()
	_, ok := s.Playlist()
	assert.False(t, ok)
}

func TestStoreReaderKeepsEvictedBytes(t *testing.T) {
	s := New()
	s.PublishSegment(0, []byte("held"), []byte("p0"), 0)

	held, ok := s.Segment(0)
	require.True(t, ok)

	s.PublishSegment(1, []byte("next"), []byte("p1"), 1)
	_, ok = s.Segment(0)
	assert.False(t, ok)

	// A reference obtained before eviction stays valid.
	assert.Equal(t, "held", string(held))
}
