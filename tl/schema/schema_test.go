package schema

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
// core
boolFalse#bc799737 = Bool;
boolTrue#997275b5 = Bool;
vector#1cb5c415 {t:Type} # [ t ] = Vector t;

user#d23c81a3 flags:# id:long name:flags.0?string bot:flags.1?true tags:flags.2?Vector<string> = User;
userEmpty#200250ba id:long = User;
point#5a3b1c2d x:int y:int = Point;
shape#11aa22bb points:vector<%Point> origin:point = Shape;
update#99887766 user:User seq:int = Update;
big#44556677 k:int128 n:int256 d:double b:bytes ok:Bool = Big;

---functions---
users.getUser#a1b2c3d4 id:long = User;
users.getUsers#a1b2c3d5 ids:Vector<long> = Vector<User>;
`

func testCodec(t *testing.T) *Codec {
	t.Helper()
	s, err := Parse(strings.NewReader(testSchema))
	require.NoError(t, err)
	return NewCodec(s, 0)
}

func TestParseSchema(t *testing.T) {
	c := testCodec(t)
	s := c.Schema()

	u, ok := s.Constructor("user")
	require.True(t, ok)
	assert.Equal(t, uint32(0xd23c81a3), u.ID)
	assert.Equal(t, "User", u.Type)
	require.Len(t, u.Params, 5)
	assert.Equal(t, KindFlags, u.Params[0].Type.Kind)
	assert.Equal(t, "flags", u.Params[2].Type.FlagField)
	assert.Equal(t, 0, u.Params[2].Type.FlagBit)
	assert.Equal(t, KindTrue, u.Params[3].Type.Kind)

	m, ok := s.Method("users.getUser")
	require.True(t, ok)
	assert.True(t, m.Method)
	assert.Len(t, s.ConstructorsOf("User"), 2)
	assert.Equal(t, []string{"id", "name", "bot", "tags"}, c.FieldNames("user"))
}

func TestParseRejectsBadDeclarations(t *testing.T) {
	for _, decl := range []string{
		"noid a:int = T;",
		"x#zz = T;",
		"x#1 a:flags.0?int = T;",
		"x#1 a:int a:int = T;",
		"x#1 f:int a:f.0?int = T;",
	} {
		_, err := Parse(strings.NewReader(decl))
		assert.Error(t, err, decl)
	}
}

func TestParseTypeRef(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		str  string
	}{
		{"int", KindInt, "int"},
		{"flags.3?Vector<long>", KindVector, "flags.3?Vector<long>"},
		{"vector<%Message>", KindVector, "vector<%Message>"},
		{"!X", KindAny, "!X"},
		{"messages.Message", KindObject, "messages.Message"},
		{"storage.fileJpeg", KindBare, "storage.fileJpeg"},
		{"#", KindFlags, "#"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseTypeRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ref.Kind)
			assert.Equal(t, tt.str, ref.String())
		})
	}

	for _, bad := range []string{"", "flags?int", "flags.99?int", "Vector<int"} {
		_, err := ParseTypeRef(bad)
		assert.ErrorIs(t, err, errs.ErrMalformedPayload, bad)
	}
}

func TestRoundTrip(t *testing.T) {
	c := testCodec(t)

	values := []struct {
		typ string
		v   Value
	}{
		{"User", NewObject("user", map[string]Value{"id": Long(7)})},
		{"User", NewObject("user", map[string]Value{
			"id":   Long(-1),
			"name": String("ann"),
			"bot":  Bool(true),
			"tags": Vector{String("a"), String(strings.Repeat("x", 300))},
		})},
		{"User", NewObject("userEmpty", map[string]Value{"id": Long(9)})},
		{"Shape", NewObject("shape", map[string]Value{
			"points": Vector{
				NewObject("point", map[string]Value{"x": Int(1), "y": Int(2)}),
				NewObject("point", map[string]Value{"x": Int(-3), "y": Int(4)}),
			},
			"origin": NewObject("point", map[string]Value{"x": Int(0), "y": Int(0)}),
		})},
		{"Big", NewObject("big", map[string]Value{
			"k":  Int128{1, 2, 3},
			"n":  Int256{9},
			"d":  Double(3.5),
			"b":  Bytes{0, 1, 2},
			"ok": Bool(false),
		})},
		{"Vector<User>", Vector{NewObject("userEmpty", map[string]Value{"id": Long(1)})}},
		{"Bool", Bool(true)},
	}
	for _, tt := range values {
		data, err := c.EncodeValue(tt.v, tt.typ)
		require.NoError(t, err)
		assert.Zero(t, len(data)%4)

		got, n, err := c.Decode(data, tt.typ, DecodeOptions{})
		require.NoError(t, err)
		assert.Equal(t, len(data), n)
		assert.Equal(t, tt.v, got)
	}
}

func TestFlagsComputedFromPresence(t *testing.T) {
	c := testCodec(t)

	data, err := c.Encode(NewObject("user", map[string]Value{"id": Long(1), "bot": Bool(true)}))
	require.NoError(t, err)
	// id, flags, id
	require.Len(t, data, 4+4+8)
	b := tl.NewBuffer(data[4:])
	flags, _ := b.Uint32()
	assert.Equal(t, uint32(1<<1), flags)

	for _, v := range []Value{Bool(false), Int(1)} {
		_, err = c.Encode(NewObject("user", map[string]Value{"id": Long(1), "bot": v}))
		assert.ErrorIs(t, err, errs.ErrMalformedPayload)
	}

	// Without the field the bit stays clear and decoding omits it.
	data, err = c.Encode(NewObject("user", map[string]Value{"id": Long(1)}))
	require.NoError(t, err)
	got, _, err := c.Decode(data, "User", DecodeOptions{})
	require.NoError(t, err)
	assert.NotContains(t, got.(*Object).Fields, "bot")
}

func TestFlagOnlyFieldFromJSON(t *testing.T) {
	c := testCodec(t)
	e, ok := c.Schema().Constructor("user")
	require.True(t, ok)

	fields, err := c.fieldsFromJSON(e, map[string]json.RawMessage{
		"id":  json.RawMessage(`1`),
		"bot": json.RawMessage(`false`),
	})
	require.NoError(t, err)
	assert.NotContains(t, fields, "bot")

	fields, err = c.fieldsFromJSON(e, map[string]json.RawMessage{
		"id":  json.RawMessage(`1`),
		"bot": json.RawMessage(`true`),
	})
	require.NoError(t, err)
	assert.Equal(t, Bool(true), fields["bot"])
}

func TestEncodeMethod(t *testing.T) {
	c := testCodec(t)
	data, err := c.EncodeMethod("users.getUsers", map[string]Value{"ids": Vector{Long(1), Long(2)}})
	require.NoError(t, err)

	b := tl.NewBuffer(data)
	id, _ := b.ID()
	assert.Equal(t, uint32(0xa1b2c3d5), id)
	n, err := b.VectorHeader(8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.EncodeMethod("users.nope", nil)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	_, err = c.EncodeMethod("users.getUser", map[string]Value{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "missing parameter")

	_, err = c.EncodeMethod("users.getUser", map[string]Value{"id": Int(1)})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "wrong type")

	_, err = c.EncodeMethod("users.getUser", map[string]Value{"id": Long(1), "extra": Int(1)})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "unknown parameter")
}

func TestDecodeStrictness(t *testing.T) {
	c := testCodec(t)
	data, err := c.EncodeValue(NewObject("userEmpty", map[string]Value{"id": Long(5)}), "User")
	require.NoError(t, err)

	_, err = c.DecodeExact(append(data, 0, 0, 0, 0), "User", DecodeOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "trailing bytes")

	_, err = c.DecodeExact(data[:len(data)-1], "User", DecodeOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "short input")

	point, err := c.EncodeValue(NewObject("point", map[string]Value{"x": Int(1), "y": Int(1)}), "Point")
	require.NoError(t, err)
	_, err = c.DecodeExact(point, "User", DecodeOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload, "wrong type")
}

func TestDecodeUnknownConstructor(t *testing.T) {
	c := testCodec(t)
	data := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}

	_, err := c.DecodeExact(data, "Update", DecodeOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	v, n, err := c.Decode(data, "Update", DecodeOptions{AllowUnknown: true})
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	u, ok := v.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, uint32(0xefbeadde), u.ID)
	assert.Equal(t, data, u.Raw)

	// Unknown values re-encode unchanged.
	again, err := c.EncodeValue(u, "Update")
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecodeGzipPacked(t *testing.T) {
	c := testCodec(t)
	inner, err := c.EncodeValue(NewObject("userEmpty", map[string]Value{"id": Long(5)}), "User")
	require.NoError(t, err)
	packed, err := tl.Encode(&tl.GzipPacked{Data: inner})
	require.NoError(t, err)

	v, err := c.DecodeExact(packed, "User", DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, NewObject("userEmpty", map[string]Value{"id": Long(5)}), v)
}

func TestDecodeResult(t *testing.T) {
	c := testCodec(t)
	data, err := c.EncodeValue(Vector{}, "Vector<User>")
	require.NoError(t, err)
	v, err := c.DecodeResult("users.getUsers", data)
	require.NoError(t, err)
	assert.Equal(t, Vector{}, v)
}

func TestNestingLimit(t *testing.T) {
	s, err := Parse(strings.NewReader("node#10000001 next:Node = Node;\nleaf#10000002 = Node;"))
	require.NoError(t, err)
	c := NewCodec(s, 0)

	var b tl.Buffer
	for i := 0; i < maxDepth+5; i++ {
		b.PutID(0x10000001)
	}
	b.PutID(0x10000002)
	_, err = c.DecodeExact(b.Raw(), "Node", DecodeOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}
