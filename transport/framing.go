package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
)

// IntermediateTag opens every intermediate-framed connection.
const IntermediateTag uint32 = 0xeeeeeeee

// StatusFrameSize is the length of a frame that carries a transport status
// code instead of a message.
const StatusFrameSize = 4

// WriteFrame writes one length-prefixed frame in a single Write call.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > limits.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes: %w", len(frame), limits.ErrMessageTooLarge)
	}
	buf := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame, tolerating partial reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > limits.MaxFrameSize {
		return nil, fmt.Errorf("frame length %d: %w", n, errs.ErrMalformedPayload)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// StatusError interprets a 4-byte frame as a transport status code. It
// returns nil for any other frame.
func StatusError(frame []byte) error {
	if len(frame) != StatusFrameSize {
		return nil
	}
	return &errs.TransportError{Code: int32(binary.LittleEndian.Uint32(frame))}
}

// StatusFrame encodes code as a 4-byte status frame.
func StatusFrame(code int32) []byte {
	out := make([]byte, StatusFrameSize)
	binary.LittleEndian.PutUint32(out, uint32(code))
	return out
}
