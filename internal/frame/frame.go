// Package frame segments a byte stream into length-prefixed payloads: a
// 4-byte big-endian byte count followed by exactly that many payload bytes.
// The length prefix always equals the payload size that follows; a prefix
// promising bytes that never arrive is a dead connection, not a short read.
package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/blukai/craftparty/internal/byteorder"
)

const (
	LengthPrefixSize = 4

	// MaxPayloadSize rejects absurd length prefixes before allocating.
	// The largest legitimate payload (a full chunk update) is ~16 KiB.
	MaxPayloadSize = 1 << 20
)

// ErrConnectionClosed is wrapped when the stream ends, whether cleanly
// between frames or mid-frame.
var ErrConnectionClosed = errors.New("connection closed")

// Read blocks until one complete payload is available. Partial reads are
// expected and are not errors; io.ReadFull keeps consuming until the frame
// completes or the stream dies.
func Read(r io.Reader) ([]byte, error) {
	prefix := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: eof in length prefix: %v", ErrConnectionClosed, err)
		}
		return nil, fmt.Errorf("could not read length prefix: %w", err)
	}

	size := byteorder.Ntohl(prefix)
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("length prefix too large (got %d; max %d)", size, MaxPayloadSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: eof in payload (want %d bytes): %v", ErrConnectionClosed, size, err)
		}
		return nil, fmt.Errorf("could not read payload: %w", err)
	}

	return payload, nil
}

// Write emits the length prefix followed by the payload. A failure at
// either stage fails the whole frame; callers that buffer must also flush
// before considering the frame sent.
func Write(w io.Writer, payload []byte) error {
	if _, err := w.Write(byteorder.Htonl(uint32(len(payload)))); err != nil {
		return fmt.Errorf("could not write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("could not write payload: %w", err)
	}
	return nil
}
