// Package mp4box provides incremental ISO BMFF box extraction and the
// fragment-level inspection and rewriting used by the segmenter.
package mp4box

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Parser errors.
var (
	// ErrShortBox indicates a box header advertising a size below the
	// 8-byte minimum.
	ErrShortBox = errors.New("box size below header size")

	// ErrUnboundedBox indicates a size==0 box (extends to end of file).
	// Capture streams are unbounded, so such a box can never complete.
	ErrUnboundedBox = errors.New("box extends to end of stream")

	// ErrBoxTooLarge indicates a box exceeding the configured maximum.
	ErrBoxTooLarge = errors.New("box exceeds maximum size")
)

// DefaultMaxBoxBytes bounds a single top-level box. A moof is tiny and an
// mdat for a few seconds of video is tens of megabytes; anything beyond this
// is a corrupt length field, not media.
const DefaultMaxBoxBytes = 256 * 1024 * 1024

// ParserConfig configures the box parser.
type ParserConfig struct {
	// OnBox receives every complete top-level box: the 4-character type and
	// the raw bytes including the header. A non-nil return aborts the Push
	// that delivered the box.
	OnBox func(boxType string, data []byte) error

	// MaxBoxBytes caps the size of a single box. Zero uses DefaultMaxBoxBytes.
	MaxBoxBytes uint64
}

// Parser accumulates arbitrarily-chunked input and emits discrete top-level
// ISO BMFF boxes. Input arrives in whatever sizes the transport produces;
// the parser never blocks waiting for a full box and copies each box once
// when handing it to the callback.
type Parser struct {
	config ParserConfig
	buf    bytes.Buffer
}

// NewParser creates a parser delivering boxes to config.OnBox.
func NewParser(config ParserConfig) *Parser {
	if config.MaxBoxBytes == 0 {
		config.MaxBoxBytes = DefaultMaxBoxBytes
	}
	return &Parser{config: config}
}

// Push appends p to the accumulator and delivers every complete box.
// A malformed header is unrecoverable: the parser makes no attempt to
// resynchronize and the caller should stop the stream.
func (p *Parser) Push(data []byte) error {
	p.buf.Write(data)

	for p.buf.Len() >= 8 {
		header := p.buf.Bytes()[:8]
		size := uint64(binary.BigEndian.Uint32(header[:4]))
		boxType := string(header[4:8])

		headerLen := uint64(8)
		switch size {
		case 0:
			return fmt.Errorf("%w: type %q", ErrUnboundedBox, boxType)
		case 1:
			// 64-bit extended size follows the type field.
			if p.buf.Len() < 16 {
				return nil
			}
			size = binary.BigEndian.Uint64(p.buf.Bytes()[8:16])
			headerLen = 16
		}

		if size < headerLen {
			return fmt.Errorf("%w: type %q size %d", ErrShortBox, boxType, size)
		}
		if size > p.config.MaxBoxBytes {
			return fmt.Errorf("%w: type %q size %d", ErrBoxTooLarge, boxType, size)
		}

		if uint64(p.buf.Len()) < size {
			return nil
		}

		box := make([]byte, size)
		if _, err := p.buf.Read(box); err != nil {
			return err
		}
		if p.config.OnBox != nil {
			if err := p.config.OnBox(boxType, box); err != nil {
				return err
			}
		}
	}

	// bytes.Buffer never shrinks; drop a large empty accumulator so a burst
	// of big mdats does not pin memory for the stream's lifetime.
	if p.buf.Len() == 0 && p.buf.Cap() > 1024*1024 {
		p.buf = bytes.Buffer{}
	}

	return nil
}

// Flush discards any buffered partial box.
func (p *Parser) Flush() {
	p.buf.Reset()
}

// Buffered returns the number of bytes held for an incomplete box.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}
