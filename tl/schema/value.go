package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Value is a decoded or to-be-encoded schema value. The set of
// implementations is closed: Int, Long, Double, String, Bytes, Bool, Int128,
// Int256, Vector, *Object and *Unknown.
type Value interface {
	isValue()
}

type (
	// Int is a 32-bit integer.
	Int int32
	// Long is a 64-bit integer.
	Long int64
	// Double is an IEEE-754 double.
	Double float64
	// String is a UTF-8 string.
	String string
	// Bytes is an opaque byte blob.
	Bytes []byte
	// Bool is a boxed boolean, or a set flag-only field.
	Bool bool
	// Int128 is 16 raw bytes.
	Int128 [16]byte
	// Int256 is 32 raw bytes.
	Int256 [32]byte
	// Vector is a homogeneous sequence.
	Vector []Value
)

// Object is a constructor value. Fields holds every present parameter except
// flags words.
type Object struct {
	Name   string
	Fields map[string]Value
}

// Unknown holds an undecodable constructor met in a context that allows it.
// Raw starts with the constructor id.
type Unknown struct {
	ID  uint32
	Raw []byte
}

func (Int) isValue()      {}
func (Long) isValue()     {}
func (Double) isValue()   {}
func (String) isValue()   {}
func (Bytes) isValue()    {}
func (Bool) isValue()     {}
func (Int128) isValue()   {}
func (Int256) isValue()   {}
func (Vector) isValue()   {}
func (*Object) isValue()  {}
func (*Unknown) isValue() {}

// NewObject returns an object with the given constructor name and fields.
func NewObject(name string, fields map[string]Value) *Object {
	if fields == nil {
		fields = map[string]Value{}
	}
	return &Object{Name: name, Fields: fields}
}

// Get returns a field value.
func (o *Object) Get(name string) (Value, bool) {
	v, ok := o.Fields[name]
	return v, ok
}

// String renders the object in a TL-like form with fields sorted by name.
func (o *Object) String() string {
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(o.Name)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s:%v", k, o.Fields[k])
	}
	return sb.String()
}
