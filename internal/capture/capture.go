// Package capture defines the boundary to the upstream capture machinery.
// The headless-browser automation lives behind the Source interface; the
// supervisor only ever sees a byte stream of fMP4 data.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prismcast/prismcast/internal/channels"
)

// ErrNoStream indicates the source has no stream to offer for the channel.
var ErrNoStream = errors.New("no capture stream available")

// Source produces the fMP4 byte stream for a channel. Open is called once
// per capture attempt; a restart or handoff opens a fresh stream. The
// returned reader yields ftyp+moov followed by moof+mdat fragments and is
// closed by the supervisor on teardown.
type Source interface {
	Open(ctx context.Context, ch channels.Channel) (io.ReadCloser, error)
}

// ReaderSource serves queued readers in order, one per Open call. Tests and
// local tooling use it in place of browser automation.
type ReaderSource struct {
	mu      sync.Mutex
	readers []io.ReadCloser
}

// NewReaderSource creates a source that hands out the given readers.
func NewReaderSource(readers ...io.ReadCloser) *ReaderSource {
	return &ReaderSource{readers: readers}
}

// Enqueue appends a reader for a future Open call.
func (s *ReaderSource) Enqueue(r io.ReadCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers = append(s.readers, r)
}

// Open returns the next queued reader, or ErrNoStream when exhausted.
func (s *ReaderSource) Open(_ context.Context, _ channels.Channel) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readers) == 0 {
		return nil, ErrNoStream
	}
	r := s.readers[0]
	s.readers = s.readers[1:]
	return r, nil
}
