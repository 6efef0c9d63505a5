package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxMessageBody is the largest serialized body of a single message.
	MaxMessageBody = 1 << 20

	// MaxContainerBytes bounds the serialized size of a message container.
	MaxContainerBytes = 1 << 15

	// MaxContainerMessages bounds the number of messages in one container.
	MaxContainerMessages = 1020

	// MaxFrameSize is the absolute maximum for any transport frame.
	MaxFrameSize = 1 << 24

	// BlockSize is the cipher block size; encrypted payloads are multiples of it.
	BlockSize = 16

	// MinPadding and MaxPadding bound the random padding of encrypted payloads.
	MinPadding = 12
	MaxPadding = 1024

	// EnvelopeHeader is salt + session id + message id + seqno + length.
	EnvelopeHeader = 8 + 8 + 8 + 4 + 4

	// FrameHeader is auth key id + message key.
	FrameHeader = 8 + 16

	// MaxStringLength is the longest string or byte blob the codec can express
	// (3-byte length prefix).
	MaxStringLength = 1<<24 - 1
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateMessageBody validates a serialized message body against MaxMessageBody.
func ValidateMessageBody(body []byte) error {
	if len(body) == 0 {
		return ErrMessageEmpty
	}
	if len(body) > MaxMessageBody {
		return fmt.Errorf("%w: body size %d exceeds limit %d", ErrMessageTooLarge, len(body), MaxMessageBody)
	}
	return nil
}

// ValidateFrame validates a received transport frame against MaxFrameSize.
// All network-received data should pass through here before decryption.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrMessageEmpty
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, len(frame), MaxFrameSize)
	}
	return nil
}

// PaddingFor returns the smallest padding length in [MinPadding, MinPadding+BlockSize)
// that aligns n to BlockSize. Callers may add further multiples of BlockSize
// as long as the result stays within MaxPadding.
func PaddingFor(n int) int {
	pad := MinPadding + (BlockSize-(n+MinPadding)%BlockSize)%BlockSize
	return pad
}

// ValidPadding reports whether pad is an acceptable padding length.
func ValidPadding(pad int) bool {
	return pad >= MinPadding && pad <= MaxPadding
}
