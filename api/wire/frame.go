package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("wire: empty frame")
)

// WriteFrame writes a 4-byte big-endian length followed by the encoded
// envelope.
func WriteFrame(w io.Writer, env *Envelope, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	data, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), limit)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and validates one envelope. io.EOF is returned
// unchanged when the stream ends between frames.
func ReadFrame(r io.Reader, limit int) (*Envelope, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, limit)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
