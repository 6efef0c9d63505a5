package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// ConstructorKey names the constructor of an object in its JSON form.
const ConstructorKey = "_"

// ArgsFromJSON converts a JSON object into arguments for method, using the
// declared parameter types. Longs may be numbers or decimal strings, bytes are
// base64, int128/int256 hex, and nested objects name their constructor under
// the "_" key.
func (c *Codec) ArgsFromJSON(method string, data []byte) (map[string]Value, error) {
	e, ok := c.schema.Method(method)
	if !ok {
		return nil, malformed("unknown method %q", method)
	}
	var raw map[string]json.RawMessage
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("arguments: %v", err)
	}
	return c.fieldsFromJSON(e, raw)
}

func (c *Codec) fieldsFromJSON(e *Entry, raw map[string]json.RawMessage) (map[string]Value, error) {
	fields := make(map[string]Value, len(raw))
	for name, msg := range raw {
		if name == ConstructorKey {
			continue
		}
		p := e.param(name)
		if p == nil {
			return nil, malformed("%s has no parameter %q", e.Name, name)
		}
		v, err := c.valueFromJSON(p.Type, msg)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, name, err)
		}
		if p.Type.Kind == KindTrue && v == Bool(false) {
			continue
		}
		fields[name] = v
	}
	return fields, nil
}

func (c *Codec) valueFromJSON(t TypeRef, msg json.RawMessage) (Value, error) {
	switch t.Kind {
	case KindInt:
		var v int32
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("int: %v", err)
		}
		return Int(v), nil
	case KindLong:
		s := string(bytes.Trim(msg, `"`))
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, malformed("long: %v", err)
		}
		return Long(v), nil
	case KindDouble:
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("double: %v", err)
		}
		return Double(v), nil
	case KindString:
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("string: %v", err)
		}
		return String(v), nil
	case KindBytes:
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("bytes: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, malformed("bytes: %v", err)
		}
		return Bytes(raw), nil
	case KindBool, KindTrue:
		var v bool
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("bool: %v", err)
		}
		return Bool(v), nil
	case KindInt128, KindInt256:
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, malformed("int128/256: %v", err)
		}
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, malformed("int128/256: %v", err)
		}
		if t.Kind == KindInt128 {
			var out Int128
			if len(raw) != len(out) {
				return nil, malformed("int128 needs 16 bytes, got %d", len(raw))
			}
			copy(out[:], raw)
			return out, nil
		}
		var out Int256
		if len(raw) != len(out) {
			return nil, malformed("int256 needs 32 bytes, got %d", len(raw))
		}
		copy(out[:], raw)
		return out, nil
	case KindVector:
		var items []json.RawMessage
		if err := json.Unmarshal(msg, &items); err != nil {
			return nil, malformed("vector: %v", err)
		}
		vec := make(Vector, len(items))
		for i, item := range items {
			v, err := c.valueFromJSON(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			vec[i] = v
		}
		return vec, nil
	case KindObject, KindAny, KindBare:
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(msg, &raw); err != nil {
			return nil, malformed("object: %v", err)
		}
		var e *Entry
		if t.Kind == KindBare {
			var err error
			if e, err = c.bareEntry(t); err != nil {
				return nil, err
			}
		} else {
			var name string
			if err := json.Unmarshal(raw[ConstructorKey], &name); err != nil {
				return nil, malformed("object needs a %q constructor name", ConstructorKey)
			}
			var ok bool
			if e, ok = c.schema.Constructor(name); !ok {
				return nil, malformed("unknown constructor %q", name)
			}
		}
		fields, err := c.fieldsFromJSON(e, raw)
		if err != nil {
			return nil, err
		}
		return &Object{Name: e.Name, Fields: fields}, nil
	default:
		return nil, malformed("unsupported type %s", t)
	}
}

// ToJSON converts v into plain values suitable for json.Marshal.
func ToJSON(v Value) interface{} {
	switch x := v.(type) {
	case Int:
		return int32(x)
	case Long:
		return int64(x)
	case Double:
		return float64(x)
	case String:
		return string(x)
	case Bytes:
		return base64.StdEncoding.EncodeToString(x)
	case Bool:
		return bool(x)
	case Int128:
		return hex.EncodeToString(x[:])
	case Int256:
		return hex.EncodeToString(x[:])
	case Vector:
		out := make([]interface{}, len(x))
		for i, el := range x {
			out[i] = ToJSON(el)
		}
		return out
	case *Object:
		out := make(map[string]interface{}, len(x.Fields)+1)
		out[ConstructorKey] = x.Name
		for k, f := range x.Fields {
			out[k] = ToJSON(f)
		}
		return out
	case *Unknown:
		return map[string]interface{}{
			ConstructorKey: fmt.Sprintf("unknown#%08x", x.ID),
			"raw":          base64.StdEncoding.EncodeToString(x.Raw),
		}
	default:
		return nil
	}
}

// MarshalValue renders v as indented JSON.
func MarshalValue(v Value) ([]byte, error) {
	return json.MarshalIndent(ToJSON(v), "", "  ")
}
