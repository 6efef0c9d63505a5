package tl

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/opd-ai/rpcwire/limits"
)

// GzipPacked is the gzip_packed#3072cfa1 packed_data:bytes wrapper.
type GzipPacked struct {
	Data []byte // uncompressed payload
}

// TypeID implements Object.
func (*GzipPacked) TypeID() uint32 { return GzipPackedID }

// Encode compresses Data and writes the wrapper.
func (g *GzipPacked) Encode(b *Buffer) error {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(g.Data); err != nil {
		return fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}
	if err := CheckBlobLength(buf.Len()); err != nil {
		return err
	}
	b.PutID(GzipPackedID)
	b.PutBytes(buf.Bytes())
	return nil
}

// Decode reads the wrapper and decompresses the payload.
func (g *GzipPacked) Decode(b *Buffer) error {
	if err := b.ConsumeID(GzipPackedID); err != nil {
		return err
	}
	packed, err := b.Bytes()
	if err != nil {
		return err
	}
	r, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return malformed("gzip header: %v", err)
	}
	defer r.Close()

	// Read one byte past the limit to detect oversized payloads.
	data, err := io.ReadAll(io.LimitReader(r, limits.MaxMessageBody+1))
	if err != nil {
		return malformed("gzip body: %v", err)
	}
	if len(data) > limits.MaxMessageBody {
		return malformed("gzip payload exceeds %d bytes", limits.MaxMessageBody)
	}
	g.Data = data
	return nil
}

// Unpack returns the payload of data, transparently decompressing it when
// it is a gzip_packed wrapper.
func Unpack(data []byte) ([]byte, error) {
	b := NewBuffer(data)
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}
	if id != GzipPackedID {
		return data, nil
	}
	var g GzipPacked
	if err := g.Decode(b); err != nil {
		return nil, err
	}
	if err := b.ExpectEnd(); err != nil {
		return nil, err
	}
	return g.Data, nil
}
