package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single framed message. Both ends of the
// privileged IPC boundary enforce it before allocating.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge indicates a length prefix above the agreed cap. The
// connection carrying it must be closed: framing is no longer trusted.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// payload. Messages are whole: a frame is either fully written or the
// writer is broken.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > DefaultMaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame, rejecting frames larger
// than max (DefaultMaxFrameSize when max <= 0).
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > max {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
