// Package tl implements the binary wire primitives of the protocol's schema
// language.
//
// All integers are fixed-width little-endian. Strings and byte blobs carry a
// 1-byte length (or 0xFE and a 3-byte length for blobs of 254 bytes or more)
// and are zero-padded to a 4-byte boundary. Boxed values start with a 32-bit
// constructor id; vectors are a count followed by homogeneous elements.
//
// Buffer is used both to encode (Put* methods append) and to decode (the
// reading methods consume from the front). Every reading method fails with an
// error wrapping errs.ErrMalformedPayload when the input is short or invalid,
// and ExpectEnd reports trailing bytes, so a decoder never silently ignores
// input the schema did not predict.
package tl
