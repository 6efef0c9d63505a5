package tl

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
)

// Well-known constructor ids of the core schema.
const (
	VectorID     uint32 = 0x1cb5c415
	BoolTrueID   uint32 = 0x997275b5
	BoolFalseID  uint32 = 0xbc799737
	GzipPackedID uint32 = 0x3072cfa1
)

// Word is the alignment unit of the wire format.
const Word = 4

// Encoder is implemented by values that can serialize themselves.
type Encoder interface {
	Encode(b *Buffer) error
}

// Decoder is implemented by values that can deserialize themselves.
type Decoder interface {
	Decode(b *Buffer) error
}

// Object is a boxed value with a stable constructor id.
type Object interface {
	Encoder
	Decoder
	TypeID() uint32
}

// Buffer is a growable byte buffer for encoding and a cursor for decoding.
type Buffer struct {
	Buf []byte
}

// NewBuffer returns a decoding buffer over data. The slice is not copied.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{Buf: data}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.Buf) }

// Raw returns the unread bytes without consuming them.
func (b *Buffer) Raw() []byte { return b.Buf }

// Reset truncates the buffer to zero length, keeping capacity.
func (b *Buffer) Reset() { b.Buf = b.Buf[:0] }

// Copy returns a copy of the unread bytes.
func (b *Buffer) Copy() []byte {
	out := make([]byte, len(b.Buf))
	copy(out, b.Buf)
	return out
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errs.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// Put appends raw bytes.
func (b *Buffer) Put(raw []byte) { b.Buf = append(b.Buf, raw...) }

// PutID appends a constructor id.
func (b *Buffer) PutID(id uint32) { b.PutUint32(id) }

// PutUint32 appends a little-endian uint32.
func (b *Buffer) PutUint32(v uint32) {
	b.Buf = binary.LittleEndian.AppendUint32(b.Buf, v)
}

// PutInt32 appends a little-endian int32.
func (b *Buffer) PutInt32(v int32) { b.PutUint32(uint32(v)) }

// PutInt appends an int as int32.
func (b *Buffer) PutInt(v int) { b.PutInt32(int32(v)) }

// PutUint64 appends a little-endian uint64.
func (b *Buffer) PutUint64(v uint64) {
	b.Buf = binary.LittleEndian.AppendUint64(b.Buf, v)
}

// PutLong appends a little-endian int64.
func (b *Buffer) PutLong(v int64) { b.PutUint64(uint64(v)) }

// PutDouble appends an IEEE-754 double.
func (b *Buffer) PutDouble(v float64) { b.PutUint64(math.Float64bits(v)) }

// PutInt128 appends 16 raw bytes.
func (b *Buffer) PutInt128(v [16]byte) { b.Buf = append(b.Buf, v[:]...) }

// PutInt256 appends 32 raw bytes.
func (b *Buffer) PutInt256(v [32]byte) { b.Buf = append(b.Buf, v[:]...) }

// PutBool appends boolTrue or boolFalse.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutID(BoolTrueID)
		return
	}
	b.PutID(BoolFalseID)
}

// PutBytes appends a length-prefixed, 4-byte aligned blob.
func (b *Buffer) PutBytes(v []byte) {
	n := len(v)
	var header int
	if n <= 253 {
		b.Buf = append(b.Buf, byte(n))
		header = 1
	} else {
		b.Buf = append(b.Buf, 254, byte(n), byte(n>>8), byte(n>>16))
		header = 4
	}
	b.Buf = append(b.Buf, v...)
	if pad := (Word - (header+n)%Word) % Word; pad > 0 {
		b.Buf = append(b.Buf, make([]byte, pad)...)
	}
}

// PutString appends a string with the same layout as PutBytes.
func (b *Buffer) PutString(s string) { b.PutBytes([]byte(s)) }

// PutVectorHeader appends the boxed vector id and element count.
func (b *Buffer) PutVectorHeader(n int) {
	b.PutID(VectorID)
	b.PutInt(n)
}

// Skip consumes n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || len(b.Buf) < n {
		return malformed("skip %d bytes with %d left", n, len(b.Buf))
	}
	b.Buf = b.Buf[n:]
	return nil
}

// Next consumes and returns the next n bytes.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || len(b.Buf) < n {
		return nil, malformed("need %d bytes, have %d", n, len(b.Buf))
	}
	v := b.Buf[:n]
	b.Buf = b.Buf[n:]
	return v, nil
}

// Uint32 consumes a little-endian uint32.
func (b *Buffer) Uint32() (uint32, error) {
	raw, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// ID consumes a constructor id.
func (b *Buffer) ID() (uint32, error) { return b.Uint32() }

// PeekID returns the next constructor id without consuming it.
func (b *Buffer) PeekID() (uint32, error) {
	if len(b.Buf) < 4 {
		return 0, malformed("need 4 bytes for id, have %d", len(b.Buf))
	}
	return binary.LittleEndian.Uint32(b.Buf), nil
}

// ConsumeID consumes a constructor id and checks it equals want.
func (b *Buffer) ConsumeID(want uint32) error {
	got, err := b.ID()
	if err != nil {
		return err
	}
	if got != want {
		return malformed("unexpected constructor %#08x, want %#08x", got, want)
	}
	return nil
}

// Int32 consumes a little-endian int32.
func (b *Buffer) Int32() (int32, error) {
	v, err := b.Uint32()
	return int32(v), err
}

// Int consumes an int32 as int.
func (b *Buffer) Int() (int, error) {
	v, err := b.Int32()
	return int(v), err
}

// Uint64 consumes a little-endian uint64.
func (b *Buffer) Uint64() (uint64, error) {
	raw, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// Long consumes a little-endian int64.
func (b *Buffer) Long() (int64, error) {
	v, err := b.Uint64()
	return int64(v), err
}

// Double consumes an IEEE-754 double.
func (b *Buffer) Double() (float64, error) {
	v, err := b.Uint64()
	return math.Float64frombits(v), err
}

// Int128 consumes 16 raw bytes.
func (b *Buffer) Int128() ([16]byte, error) {
	var v [16]byte
	raw, err := b.Next(16)
	if err != nil {
		return v, err
	}
	copy(v[:], raw)
	return v, nil
}

// Int256 consumes 32 raw bytes.
func (b *Buffer) Int256() ([32]byte, error) {
	var v [32]byte
	raw, err := b.Next(32)
	if err != nil {
		return v, err
	}
	copy(v[:], raw)
	return v, nil
}

// Bool consumes boolTrue or boolFalse.
func (b *Buffer) Bool() (bool, error) {
	id, err := b.ID()
	if err != nil {
		return false, err
	}
	switch id {
	case BoolTrueID:
		return true, nil
	case BoolFalseID:
		return false, nil
	default:
		return false, malformed("unexpected bool constructor %#08x", id)
	}
}

// Bytes consumes a length-prefixed blob and returns a copy of it.
func (b *Buffer) Bytes() ([]byte, error) {
	if len(b.Buf) < 1 {
		return nil, malformed("empty buffer for bytes")
	}
	n := int(b.Buf[0])
	header := 1
	switch {
	case n == 255:
		return nil, malformed("invalid bytes length marker 0xff")
	case n == 254:
		if len(b.Buf) < 4 {
			return nil, malformed("short long-bytes header")
		}
		n = int(b.Buf[1]) | int(b.Buf[2])<<8 | int(b.Buf[3])<<16
		header = 4
		if n <= 253 {
			return nil, malformed("non-canonical long bytes length %d", n)
		}
	}
	total := header + n
	total += (Word - total%Word) % Word
	if len(b.Buf) < total {
		return nil, malformed("bytes length %d exceeds buffer %d", n, len(b.Buf)-header)
	}
	out := make([]byte, n)
	copy(out, b.Buf[header:header+n])
	b.Buf = b.Buf[total:]
	return out, nil
}

// String consumes a length-prefixed string.
func (b *Buffer) String() (string, error) {
	raw, err := b.Bytes()
	return string(raw), err
}

// VectorHeader consumes the boxed vector id and returns the element count.
// The count is checked against the remaining bytes assuming the smallest
// possible element of minElem bytes.
func (b *Buffer) VectorHeader(minElem int) (int, error) {
	if err := b.ConsumeID(VectorID); err != nil {
		return 0, err
	}
	return b.BareVectorHeader(minElem)
}

// BareVectorHeader consumes only the element count of a bare vector.
func (b *Buffer) BareVectorHeader(minElem int) (int, error) {
	n, err := b.Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, malformed("negative vector length %d", n)
	}
	if minElem > 0 && n > len(b.Buf)/minElem {
		return 0, malformed("vector length %d exceeds buffer", n)
	}
	return n, nil
}

// ExpectEnd fails if any bytes remain unread.
func (b *Buffer) ExpectEnd() error {
	if len(b.Buf) != 0 {
		return malformed("%d trailing bytes", len(b.Buf))
	}
	return nil
}

// Encode serializes obj into a fresh byte slice.
func Encode(obj Encoder) ([]byte, error) {
	var b Buffer
	if err := obj.Encode(&b); err != nil {
		return nil, err
	}
	return b.Buf, nil
}

// DecodeExact decodes data into obj and requires that every byte is consumed.
func DecodeExact(data []byte, obj Decoder) error {
	b := NewBuffer(data)
	if err := obj.Decode(b); err != nil {
		return err
	}
	return b.ExpectEnd()
}

// CheckBlobLength reports whether a blob of n bytes fits the 3-byte length field.
func CheckBlobLength(n int) error {
	if n > limits.MaxStringLength {
		return fmt.Errorf("%w: blob of %d bytes cannot be encoded", limits.ErrMessageTooLarge, n)
	}
	return nil
}
