package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
	"github.com/sirupsen/logrus"
)

// Side names the sender of a frame. It selects which slices of the auth key
// feed the key derivation, so the two directions never share keys.
type Side int

const (
	// FromClient marks frames sent by the client (x = 0).
	FromClient Side = iota
	// FromServer marks frames sent by the server (x = 8).
	FromServer
)

func (s Side) offset() int {
	if s == FromServer {
		return 8
	}
	return 0
}

func (s Side) String() string {
	if s == FromServer {
		return "server"
	}
	return "client"
}

// Envelope is the decrypted content of one frame.
type Envelope struct {
	Salt      int64
	SessionID int64
	MsgID     int64
	SeqNo     int32
	Body      []byte
}

// MessageKey computes bytes 8..24 of SHA-256(auth_key[88+x:120+x] ‖ plaintext).
func MessageKey(key *AuthKey, plaintext []byte, side Side) [16]byte {
	x := side.offset()
	h := sha256.New()
	h.Write(key.Key[88+x : 120+x])
	h.Write(plaintext)
	var sum [32]byte
	h.Sum(sum[:0])
	var out [16]byte
	copy(out[:], sum[8:24])
	return out
}

// DeriveKeyIV returns the AES-256 key and IGE IV for one message.
func DeriveKeyIV(key *AuthKey, msgKey [16]byte, side Side) (aesKey, aesIV [32]byte) {
	x := side.offset()

	h := sha256.New()
	h.Write(msgKey[:])
	h.Write(key.Key[x : x+36])
	var a [32]byte
	h.Sum(a[:0])

	h.Reset()
	h.Write(key.Key[40+x : 76+x])
	h.Write(msgKey[:])
	var b [32]byte
	h.Sum(b[:0])

	copy(aesKey[0:8], a[0:8])
	copy(aesKey[8:24], b[8:24])
	copy(aesKey[24:32], a[24:32])

	copy(aesIV[0:8], b[0:8])
	copy(aesIV[8:24], a[8:24])
	copy(aesIV[24:32], b[24:32])
	return aesKey, aesIV
}

// EncryptMessage seals env into a frame:
// auth_key_id(8) msg_key(16) AES-IGE(salt session_id msg_id seqno len body padding).
// Padding is drawn from random and keeps the payload a multiple of 16 within
// [limits.MinPadding, limits.MaxPadding].
func EncryptMessage(env *Envelope, key *AuthKey, side Side, random io.Reader) ([]byte, error) {
	if len(env.Body)%4 != 0 {
		return nil, fmt.Errorf("body length %d is not a multiple of 4: %w", len(env.Body), errs.ErrMalformedPayload)
	}
	if err := limits.ValidateMessageBody(env.Body); err != nil {
		return nil, err
	}

	padLen := limits.PaddingFor(limits.EnvelopeHeader + len(env.Body))
	// A little random extra padding hides exact body lengths.
	var extra [1]byte
	if _, err := io.ReadFull(random, extra[:]); err != nil {
		return nil, fmt.Errorf("read padding length: %w", err)
	}
	padLen += int(extra[0]%4) * limits.BlockSize

	plain := make([]byte, limits.EnvelopeHeader+len(env.Body)+padLen)
	binary.LittleEndian.PutUint64(plain[0:], uint64(env.Salt))
	binary.LittleEndian.PutUint64(plain[8:], uint64(env.SessionID))
	binary.LittleEndian.PutUint64(plain[16:], uint64(env.MsgID))
	binary.LittleEndian.PutUint32(plain[24:], uint32(env.SeqNo))
	binary.LittleEndian.PutUint32(plain[28:], uint32(len(env.Body)))
	copy(plain[limits.EnvelopeHeader:], env.Body)
	if _, err := io.ReadFull(random, plain[limits.EnvelopeHeader+len(env.Body):]); err != nil {
		return nil, fmt.Errorf("read padding: %w", err)
	}

	msgKey := MessageKey(key, plain, side)
	aesKey, aesIV := DeriveKeyIV(key, msgKey, side)
	defer ZeroBytes(aesKey[:])

	ct, err := IGEEncrypt(plain, aesKey[:], aesIV[:])
	ZeroBytes(plain)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, limits.FrameHeader+len(ct))
	frame = append(frame, key.ID[:]...)
	frame = append(frame, msgKey[:]...)
	frame = append(frame, ct...)
	return frame, nil
}

// DecryptMessage opens a frame produced by EncryptMessage on the given side.
// Every failure, from a wrong auth key id to bad padding, is reported as
// errs.ErrIntegrity and no part of the frame is returned.
func DecryptMessage(frame []byte, key *AuthKey, side Side) (*Envelope, error) {
	env, reason := decryptMessage(frame, key, side)
	if reason != "" {
		NewLogger("DecryptMessage").WithKeyID(key).WithFields(logrus.Fields{
			"side":   side.String(),
			"reason": reason,
			"size":   len(frame),
		}).Debug("Rejected encrypted frame")
		return nil, fmt.Errorf("%s: %w", reason, errs.ErrIntegrity)
	}
	return env, nil
}

func decryptMessage(frame []byte, key *AuthKey, side Side) (*Envelope, string) {
	if len(frame) < limits.FrameHeader+limits.EnvelopeHeader+limits.BlockSize {
		return nil, "frame too short"
	}
	if (len(frame)-limits.FrameHeader)%limits.BlockSize != 0 {
		return nil, "payload not block aligned"
	}
	if !bytes.Equal(frame[:8], key.ID[:]) {
		return nil, "auth key id mismatch"
	}
	var msgKey [16]byte
	copy(msgKey[:], frame[8:24])

	aesKey, aesIV := DeriveKeyIV(key, msgKey, side)
	plain, err := IGEDecrypt(frame[limits.FrameHeader:], aesKey[:], aesIV[:])
	ZeroBytes(aesKey[:])
	if err != nil {
		return nil, "decrypt failed"
	}

	want := MessageKey(key, plain, side)
	if subtle.ConstantTimeCompare(want[:], msgKey[:]) != 1 {
		return nil, "message key mismatch"
	}

	bodyLen := int(binary.LittleEndian.Uint32(plain[28:]))
	if bodyLen%4 != 0 || bodyLen > len(plain)-limits.EnvelopeHeader {
		return nil, "bad body length"
	}
	if !limits.ValidPadding(len(plain) - limits.EnvelopeHeader - bodyLen) {
		return nil, "bad padding length"
	}

	env := &Envelope{
		Salt:      int64(binary.LittleEndian.Uint64(plain[0:])),
		SessionID: int64(binary.LittleEndian.Uint64(plain[8:])),
		MsgID:     int64(binary.LittleEndian.Uint64(plain[16:])),
		SeqNo:     int32(binary.LittleEndian.Uint32(plain[24:])),
		Body:      append([]byte(nil), plain[limits.EnvelopeHeader:limits.EnvelopeHeader+bodyLen]...),
	}
	return env, ""
}
