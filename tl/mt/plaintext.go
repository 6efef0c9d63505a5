package mt

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/tl"
)

// PlaintextHeader is auth_key_id(0) + msg_id + length.
const PlaintextHeader = 8 + 8 + 4

// EncodePlaintext wraps body in the unencrypted envelope used while no auth
// key exists.
func EncodePlaintext(msgID int64, body []byte) []byte {
	out := make([]byte, PlaintextHeader+len(body))
	binary.LittleEndian.PutUint64(out[8:16], uint64(msgID))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(body)))
	copy(out[PlaintextHeader:], body)
	return out
}

// DecodePlaintext reverses EncodePlaintext. The frame must carry a zero
// auth key id and exactly the declared body length.
func DecodePlaintext(frame []byte) (msgID int64, body []byte, err error) {
	if len(frame) < PlaintextHeader {
		return 0, nil, fmt.Errorf("plaintext frame of %d bytes: %w", len(frame), errs.ErrMalformedPayload)
	}
	if id := binary.LittleEndian.Uint64(frame[:8]); id != 0 {
		return 0, nil, fmt.Errorf("plaintext frame with auth key id %016x: %w", id, errs.ErrMalformedPayload)
	}
	msgID = int64(binary.LittleEndian.Uint64(frame[8:16]))
	n := binary.LittleEndian.Uint32(frame[16:20])
	if int(n) != len(frame)-PlaintextHeader {
		return 0, nil, fmt.Errorf("plaintext length %d, have %d: %w", n, len(frame)-PlaintextHeader, errs.ErrMalformedPayload)
	}
	return msgID, frame[PlaintextHeader:], nil
}

// WrapHashed serializes obj as SHA1(data) ‖ data ‖ padding, padded with
// random bytes to a multiple of 16. This is the plaintext of the inner DH
// messages before AES-IGE.
func WrapHashed(obj tl.Encoder, random io.Reader) ([]byte, error) {
	data, err := tl.Encode(obj)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(data)
	out := make([]byte, 0, len(sum)+len(data)+16)
	out = append(out, sum[:]...)
	out = append(out, data...)
	if pad := (16 - len(out)%16) % 16; pad > 0 {
		p := make([]byte, pad)
		if _, err := io.ReadFull(random, p); err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out, nil
}

// UnwrapHashed decodes obj from a WrapHashed plaintext and checks the hash
// and the padding length.
func UnwrapHashed(plain []byte, obj tl.Decoder) error {
	if len(plain) < sha1.Size {
		return fmt.Errorf("hashed answer of %d bytes: %w", len(plain), errs.ErrMalformedPayload)
	}
	payload := plain[sha1.Size:]
	b := tl.NewBuffer(payload)
	if err := obj.Decode(b); err != nil {
		return err
	}
	rest := b.Len()
	if rest >= 16 {
		return fmt.Errorf("%d bytes of padding: %w", rest, errs.ErrMalformedPayload)
	}
	sum := sha1.Sum(payload[:len(payload)-rest])
	if subtle.ConstantTimeCompare(sum[:], plain[:sha1.Size]) != 1 {
		return fmt.Errorf("answer hash mismatch: %w", errs.ErrHandshakeFailed)
	}
	return nil
}
