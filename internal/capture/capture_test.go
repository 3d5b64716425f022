package capture

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcast/prismcast/internal/channels"
)

func TestReaderSourceServesInOrder(t *testing.T) {
	first := io.NopCloser(bytes.NewReader([]byte("first")))
	second := io.NopCloser(bytes.NewReader([]byte("second")))
	src := NewReaderSource(first, second)

	ch := channels.Channel{ID: "c1"}

	r, err := src.Open(context.Background(), ch)
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "first", string(data))

	r, err = src.Open(context.Background(), ch)
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	assert.Equal(t, "second", string(data))

	_, err = src.Open(context.Background(), ch)
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestReaderSourceEnqueue(t *testing.T) {
	src := NewReaderSource()
	src.Enqueue(io.NopCloser(bytes.NewReader([]byte("queued"))))

	r, err := src.Open(context.Background(), channels.Channel{ID: "c1"})
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "queued", string(data))
}

func TestCommandSourceRequiresCommand(t *testing.T) {
	src := &CommandSource{}
	_, err := src.Open(context.Background(), channels.Channel{ID: "c1"})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestCommandSourceSubstitutesPlaceholders(t *testing.T) {
	src := &CommandSource{
		Command: []string{"printf", "%s %s", "{channel}", "{url}"},
	}
	r, err := src.Open(context.Background(), channels.Channel{
		ID:  "c1",
		URL: "https://example.com/live",
	})
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "c1 https://example.com/live", string(data))
}
