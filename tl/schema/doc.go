// Package schema encodes and decodes values described by an external schema
// of constructors and methods.
//
// A Schema is loaded from the common JSON layout (LoadJSON) or from one-line
// TL declarations (Parse):
//
//	user#d23c81a3 flags:# id:long name:flags.0?string bot:flags.1?true = User;
//	---functions---
//	users.getUser#a1b2c3d4 id:long = User;
//
// Values form a closed set of types implementing Value. Objects carry their
// constructor name and a map of field values; optional fields are simply
// absent from the map, and the flags words are computed during encoding and
// never appear in decoded values, so decoding an encoding yields the original
// value.
//
// Decoding fails with errs.ErrMalformedPayload on short or trailing input and
// on unknown constructor ids, unless DecodeOptions.AllowUnknown is set, in
// which case the remainder of the buffer becomes an *Unknown value.
package schema
