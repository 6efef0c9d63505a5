package tl

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rpcwire/errs"
)

func TestBytesLayout(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		wantLen int
	}{
		{"empty", 0, 4},
		{"three", 3, 4},
		{"four", 4, 8},
		{"max short", 253, 256},
		{"first long", 254, 260},
		{"long aligned", 1000, 1004},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.n)
			var b Buffer
			b.PutBytes(payload)
			assert.Len(t, b.Buf, tt.wantLen)
			assert.Zero(t, len(b.Buf)%Word)

			got, err := NewBuffer(b.Buf).Bytes()
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestPrimitiveRoundTrip(t *testing.T) {
	var b Buffer
	b.PutInt32(-7)
	b.PutLong(-1 << 40)
	b.PutDouble(3.25)
	b.PutBool(true)
	b.PutBool(false)
	b.PutInt128([16]byte{1, 2, 3})
	b.PutInt256([32]byte{9: 9})
	b.PutString("hello")

	d := NewBuffer(b.Buf)
	i, err := d.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i)
	l, err := d.Long()
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<40), l)
	f, err := d.Double()
	require.NoError(t, err)
	assert.Equal(t, 3.25, f)
	bt, err := d.Bool()
	require.NoError(t, err)
	assert.True(t, bt)
	bf, err := d.Bool()
	require.NoError(t, err)
	assert.False(t, bf)
	i128, err := d.Int128()
	require.NoError(t, err)
	assert.Equal(t, [16]byte{1, 2, 3}, i128)
	i256, err := d.Int256()
	require.NoError(t, err)
	assert.Equal(t, [32]byte{9: 9}, i256)
	s, err := d.String()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	assert.NoError(t, d.ExpectEnd())
}

func TestShortInputIsMalformed(t *testing.T) {
	cases := map[string]func(*Buffer) error{
		"int32": func(b *Buffer) error { _, err := b.Int32(); return err },
		"long":  func(b *Buffer) error { _, err := b.Long(); return err },
		"bytes": func(b *Buffer) error { _, err := b.Bytes(); return err },
		"bool":  func(b *Buffer) error { _, err := b.Bool(); return err },
	}
	for name, read := range cases {
		t.Run(name, func(t *testing.T) {
			err := read(NewBuffer([]byte{0x05, 0x00}))
			assert.True(t, errors.Is(err, errs.ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestExpectEndRejectsTrailingBytes(t *testing.T) {
	var b Buffer
	b.PutInt32(1)
	b.PutInt32(2)

	d := NewBuffer(b.Buf)
	_, err := d.Int32()
	require.NoError(t, err)
	assert.ErrorIs(t, d.ExpectEnd(), errs.ErrMalformedPayload)
}

func TestVectorHeaderRejectsHugeCount(t *testing.T) {
	var b Buffer
	b.PutVectorHeader(1 << 20)
	_, err := NewBuffer(b.Buf).VectorHeader(4)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestBoolRejectsOtherConstructor(t *testing.T) {
	var b Buffer
	b.PutID(VectorID)
	_, err := NewBuffer(b.Buf).Bool()
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestGzipPackedUnpack(t *testing.T) {
	payload := bytes.Repeat([]byte("rpc_result "), 200)
	var b Buffer
	require.NoError(t, (&GzipPacked{Data: payload}).Encode(&b))
	assert.Less(t, len(b.Buf), len(payload))

	got, err := Unpack(b.Buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	plain := []byte{1, 2, 3, 4}
	got, err = Unpack(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestGzipPackedCorrupt(t *testing.T) {
	var b Buffer
	b.PutID(GzipPackedID)
	b.PutBytes([]byte("definitely not gzip"))
	_, err := Unpack(b.Buf)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}
