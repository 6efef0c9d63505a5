package schema

import (
	"fmt"
	"time"

	"github.com/opd-ai/rpcwire/cache"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/tl"
)

// maxDepth bounds nesting while decoding untrusted input.
const maxDepth = 64

// DecodeOptions control how strictly input is decoded.
type DecodeOptions struct {
	// AllowUnknown turns an unknown constructor into an *Unknown value that
	// takes the rest of the buffer instead of failing. Used for push events.
	AllowUnknown bool
}

// Codec encodes and decodes values of one schema. It is safe for concurrent
// use: the schema is read-only and the type reference cache is locked.
type Codec struct {
	schema *Schema
	refs   *cache.TTL[string, TypeRef]
}

// NewCodec returns a codec for s. Parsed type strings passed to Decode are
// cached for refTTL (ten minutes when zero).
func NewCodec(s *Schema, refTTL time.Duration) *Codec {
	if refTTL <= 0 {
		refTTL = 10 * time.Minute
	}
	return &Codec{schema: s, refs: cache.New[string, TypeRef](refTTL, 4096, nil)}
}

// Schema returns the codec's schema.
func (c *Codec) Schema() *Schema { return c.schema }

func (c *Codec) resolve(typ string) (TypeRef, error) {
	if t, ok := c.refs.Get(typ); ok {
		return t, nil
	}
	t, err := ParseTypeRef(typ)
	if err != nil {
		return TypeRef{}, err
	}
	c.refs.Set(typ, t)
	return t, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errs.ErrMalformedPayload)...)
}

// EncodeMethod serializes a call to method with the given arguments.
func (c *Codec) EncodeMethod(method string, args map[string]Value) ([]byte, error) {
	e, ok := c.schema.Method(method)
	if !ok {
		return nil, malformed("unknown method %q", method)
	}
	var b tl.Buffer
	b.PutID(e.ID)
	if err := c.encodeParams(&b, e, args); err != nil {
		return nil, err
	}
	return b.Raw(), nil
}

// Encode serializes obj as a boxed constructor.
func (c *Codec) Encode(obj *Object) ([]byte, error) {
	var b tl.Buffer
	if err := c.encodeValue(&b, TypeRef{Kind: KindAny}, obj, obj.Name); err != nil {
		return nil, err
	}
	return b.Raw(), nil
}

// EncodeValue serializes v as a value of type typ.
func (c *Codec) EncodeValue(v Value, typ string) ([]byte, error) {
	t, err := c.resolve(typ)
	if err != nil {
		return nil, err
	}
	var b tl.Buffer
	if err := c.encodeValue(&b, t, v, typ); err != nil {
		return nil, err
	}
	return b.Raw(), nil
}

func (c *Codec) encodeParams(b *tl.Buffer, e *Entry, fields map[string]Value) error {
	for name := range fields {
		if p := e.param(name); p == nil || p.Type.Kind == KindFlags {
			return malformed("%s has no parameter %q", e.Name, name)
		}
	}

	flags := make(map[string]uint32)
	for _, p := range e.Params {
		if !p.Type.Conditional() {
			continue
		}
		v, ok := fields[p.Name]
		if !ok {
			continue
		}
		if p.Type.Kind == KindTrue {
			// Absence is the only encoding of false.
			if set, isBool := v.(Bool); !isBool || !bool(set) {
				return malformed("%s.%s: flag-only field must be Bool(true) or absent, got %T %v", e.Name, p.Name, v, v)
			}
		}
		flags[p.Type.FlagField] |= 1 << uint(p.Type.FlagBit)
	}

	for _, p := range e.Params {
		switch {
		case p.Type.Kind == KindFlags:
			b.PutUint32(flags[p.Name])
			continue
		case p.Type.Kind == KindTrue:
			continue
		case p.Type.Conditional():
			if flags[p.Type.FlagField]&(1<<uint(p.Type.FlagBit)) == 0 {
				continue
			}
		}
		v, ok := fields[p.Name]
		if !ok {
			return malformed("%s: missing parameter %q", e.Name, p.Name)
		}
		if err := c.encodeValue(b, p.Type, v, e.Name+"."+p.Name); err != nil {
			return err
		}
	}
	return nil
}

func typeMismatch(path string, t TypeRef, v Value) error {
	return malformed("%s: cannot encode %T as %s", path, v, t)
}

func (c *Codec) encodeValue(b *tl.Buffer, t TypeRef, v Value, path string) error {
	switch t.Kind {
	case KindInt:
		x, ok := v.(Int)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutInt32(int32(x))
	case KindLong:
		x, ok := v.(Long)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutLong(int64(x))
	case KindDouble:
		x, ok := v.(Double)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutDouble(float64(x))
	case KindString, KindBytes:
		var raw []byte
		switch x := v.(type) {
		case String:
			raw = []byte(x)
		case Bytes:
			raw = x
		default:
			return typeMismatch(path, t, v)
		}
		if err := tl.CheckBlobLength(len(raw)); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		b.PutBytes(raw)
	case KindBool:
		x, ok := v.(Bool)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutBool(bool(x))
	case KindInt128:
		x, ok := v.(Int128)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutInt128(x)
	case KindInt256:
		x, ok := v.(Int256)
		if !ok {
			return typeMismatch(path, t, v)
		}
		b.PutInt256(x)
	case KindTrue:
	case KindFlags:
		return malformed("%s: flags words are computed, not encoded directly", path)
	case KindVector:
		vec, ok := v.(Vector)
		if !ok {
			return typeMismatch(path, t, v)
		}
		if t.Bare {
			b.PutInt(len(vec))
		} else {
			b.PutVectorHeader(len(vec))
		}
		for i, el := range vec {
			if err := c.encodeValue(b, *t.Elem, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindObject, KindAny:
		switch x := v.(type) {
		case *Object:
			e, ok := c.schema.Constructor(x.Name)
			if !ok {
				return malformed("%s: unknown constructor %q", path, x.Name)
			}
			if t.Kind == KindObject && e.Type != t.Name {
				return malformed("%s: constructor %s has type %s, want %s", path, e.Name, e.Type, t.Name)
			}
			b.PutID(e.ID)
			return c.encodeParams(b, e, x.Fields)
		case *Unknown:
			b.Put(x.Raw)
		case Bool:
			if t.Kind != KindAny {
				return typeMismatch(path, t, v)
			}
			b.PutBool(bool(x))
		default:
			return typeMismatch(path, t, v)
		}
	case KindBare:
		x, ok := v.(*Object)
		if !ok {
			return typeMismatch(path, t, v)
		}
		e, err := c.bareEntry(t)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if x.Name != "" && x.Name != e.Name {
			return malformed("%s: bare %s given constructor %s", path, e.Name, x.Name)
		}
		return c.encodeParams(b, e, x.Fields)
	default:
		return malformed("%s: unsupported type %s", path, t)
	}
	return nil
}

func (c *Codec) bareEntry(t TypeRef) (*Entry, error) {
	if t.ByType {
		cs := c.schema.ConstructorsOf(t.Name)
		if len(cs) != 1 {
			return nil, malformed("bare type %s needs exactly one constructor, has %d", t.Name, len(cs))
		}
		return cs[0], nil
	}
	e, ok := c.schema.Constructor(t.Name)
	if !ok {
		return nil, malformed("unknown bare constructor %s", t.Name)
	}
	return e, nil
}

// Decode decodes a value of expectedType from the front of data and returns
// it with the number of bytes consumed.
func (c *Codec) Decode(data []byte, expectedType string, opts DecodeOptions) (Value, int, error) {
	t, err := c.resolve(expectedType)
	if err != nil {
		return nil, 0, err
	}
	b := tl.NewBuffer(data)
	v, err := c.decodeValue(b, t, opts, 0)
	if err != nil {
		return nil, 0, err
	}
	return v, len(data) - b.Len(), nil
}

// DecodeExact decodes data as one value of expectedType and fails if any
// byte is left over.
func (c *Codec) DecodeExact(data []byte, expectedType string, opts DecodeOptions) (Value, error) {
	v, n, err := c.Decode(data, expectedType, opts)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, malformed("%d trailing bytes after %s", len(data)-n, expectedType)
	}
	return v, nil
}

// DecodeResult decodes the answer to a call of method.
func (c *Codec) DecodeResult(method string, data []byte) (Value, error) {
	e, ok := c.schema.Method(method)
	if !ok {
		return nil, malformed("unknown method %q", method)
	}
	return c.DecodeExact(data, e.Type, DecodeOptions{})
}

func minElemSize(t TypeRef) int {
	switch t.Kind {
	case KindLong, KindDouble:
		return 8
	case KindInt128:
		return 16
	case KindInt256:
		return 32
	case KindBare, KindTrue:
		return 1
	default:
		return 4
	}
}

func (c *Codec) decodeValue(b *tl.Buffer, t TypeRef, opts DecodeOptions, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, malformed("nesting deeper than %d", maxDepth)
	}
	switch t.Kind {
	case KindInt:
		v, err := b.Int32()
		return Int(v), err
	case KindLong:
		v, err := b.Long()
		return Long(v), err
	case KindDouble:
		v, err := b.Double()
		return Double(v), err
	case KindString:
		v, err := b.String()
		return String(v), err
	case KindBytes:
		v, err := b.Bytes()
		return Bytes(v), err
	case KindBool:
		v, err := b.Bool()
		return Bool(v), err
	case KindInt128:
		v, err := b.Int128()
		return Int128(v), err
	case KindInt256:
		v, err := b.Int256()
		return Int256(v), err
	case KindTrue:
		return Bool(true), nil
	case KindVector:
		var n int
		var err error
		if t.Bare {
			n, err = b.BareVectorHeader(minElemSize(*t.Elem))
		} else {
			n, err = b.VectorHeader(minElemSize(*t.Elem))
		}
		if err != nil {
			return nil, err
		}
		vec := make(Vector, n)
		for i := range vec {
			if vec[i], err = c.decodeValue(b, *t.Elem, opts, depth+1); err != nil {
				return nil, err
			}
		}
		return vec, nil
	case KindObject, KindAny:
		return c.decodeBoxed(b, t, opts, depth)
	case KindBare:
		e, err := c.bareEntry(t)
		if err != nil {
			return nil, err
		}
		return c.decodeParams(b, e, opts, depth)
	default:
		return nil, malformed("unsupported type %s", t)
	}
}

func (c *Codec) decodeBoxed(b *tl.Buffer, t TypeRef, opts DecodeOptions, depth int) (Value, error) {
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}

	if id == tl.GzipPackedID {
		var g tl.GzipPacked
		if err := g.Decode(b); err != nil {
			return nil, err
		}
		inner := tl.NewBuffer(g.Data)
		v, err := c.decodeBoxed(inner, t, opts, depth+1)
		if err != nil {
			return nil, err
		}
		if err := inner.ExpectEnd(); err != nil {
			return nil, err
		}
		return v, nil
	}
	if t.Kind == KindAny && (id == tl.BoolTrueID || id == tl.BoolFalseID) {
		v, err := b.Bool()
		return Bool(v), err
	}

	e, ok := c.schema.ByID(id)
	if !ok || e.Method || (t.Kind == KindObject && e.Type != t.Name) {
		if opts.AllowUnknown {
			raw := append([]byte(nil), b.Raw()...)
			_ = b.Skip(b.Len())
			return &Unknown{ID: id, Raw: raw}, nil
		}
		if ok && !e.Method {
			return nil, malformed("constructor %s has type %s, want %s", e.Name, e.Type, t)
		}
		return nil, malformed("unknown constructor %#08x", id)
	}
	_ = b.Skip(tl.Word)
	return c.decodeParams(b, e, opts, depth)
}

func (c *Codec) decodeParams(b *tl.Buffer, e *Entry, opts DecodeOptions, depth int) (*Object, error) {
	obj := &Object{Name: e.Name, Fields: make(map[string]Value, len(e.Params))}
	flags := make(map[string]uint32)
	for _, p := range e.Params {
		if p.Type.Kind == KindFlags {
			v, err := b.Uint32()
			if err != nil {
				return nil, err
			}
			flags[p.Name] = v
			continue
		}
		if p.Type.Conditional() {
			if flags[p.Type.FlagField]&(1<<uint(p.Type.FlagBit)) == 0 {
				continue
			}
		} else if p.Type.Kind == KindTrue {
			continue
		}
		v, err := c.decodeValue(b, p.Type, opts, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Name, err)
		}
		obj.Fields[p.Name] = v
	}
	return obj, nil
}

// FieldNames returns the parameter names of a constructor or method in
// declaration order, skipping flags words.
func (c *Codec) FieldNames(name string) []string {
	e, ok := c.schema.Constructor(name)
	if !ok {
		if e, ok = c.schema.Method(name); !ok {
			return nil
		}
	}
	var out []string
	for _, p := range e.Params {
		if p.Type.Kind != KindFlags {
			out = append(out, p.Name)
		}
	}
	return out
}
