package schema

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/opd-ai/rpcwire/errs"
)

// Kind classifies a TypeRef.
type Kind int

const (
	KindInt Kind = iota
	KindLong
	KindDouble
	KindString
	KindBytes
	KindBool
	KindInt128
	KindInt256
	// KindTrue is a flag-only field that contributes no bytes.
	KindTrue
	// KindFlags is a # bitmask word.
	KindFlags
	KindVector
	// KindObject is a boxed value of a named type.
	KindObject
	// KindBare is a constructor written without its id.
	KindBare
	// KindAny is a boxed value of any type (generic parameters).
	KindAny
)

// TypeRef is a parsed parameter type.
type TypeRef struct {
	Kind Kind
	// Name is the type name for KindObject and the constructor name (or,
	// with ByType, the type name) for KindBare.
	Name   string
	ByType bool
	// Elem is the element type of a vector; Bare marks vector<T>.
	Elem *TypeRef
	Bare bool
	// FlagField and FlagBit make the parameter conditional on a bit of an
	// earlier # parameter.
	FlagField string
	FlagBit   int
}

// Conditional reports whether the parameter depends on a flags bit.
func (t TypeRef) Conditional() bool { return t.FlagField != "" }

func (t TypeRef) String() string {
	var base string
	switch t.Kind {
	case KindInt:
		base = "int"
	case KindLong:
		base = "long"
	case KindDouble:
		base = "double"
	case KindString:
		base = "string"
	case KindBytes:
		base = "bytes"
	case KindBool:
		base = "Bool"
	case KindInt128:
		base = "int128"
	case KindInt256:
		base = "int256"
	case KindTrue:
		base = "true"
	case KindFlags:
		base = "#"
	case KindVector:
		if t.Bare {
			base = "vector<" + t.Elem.String() + ">"
		} else {
			base = "Vector<" + t.Elem.String() + ">"
		}
	case KindBare:
		if t.ByType {
			base = "%" + t.Name
		} else {
			base = t.Name
		}
	case KindAny:
		base = "!X"
	default:
		base = t.Name
	}
	if t.Conditional() {
		return fmt.Sprintf("%s.%d?%s", t.FlagField, t.FlagBit, base)
	}
	return base
}

// ParseTypeRef parses a parameter type such as "int", "flags.3?Vector<long>",
// "%Message" or "!X".
func ParseTypeRef(s string) (TypeRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeRef{}, fmt.Errorf("empty type: %w", errs.ErrMalformedPayload)
	}
	if q := strings.IndexByte(s, '?'); q >= 0 {
		cond := s[:q]
		dot := strings.LastIndexByte(cond, '.')
		if dot <= 0 {
			return TypeRef{}, fmt.Errorf("bad conditional type %q: %w", s, errs.ErrMalformedPayload)
		}
		bit, err := strconv.Atoi(cond[dot+1:])
		if err != nil || bit < 0 || bit > 31 {
			return TypeRef{}, fmt.Errorf("bad flag bit in %q: %w", s, errs.ErrMalformedPayload)
		}
		inner, err := ParseTypeRef(s[q+1:])
		if err != nil {
			return TypeRef{}, err
		}
		inner.FlagField = cond[:dot]
		inner.FlagBit = bit
		return inner, nil
	}

	switch s {
	case "int":
		return TypeRef{Kind: KindInt}, nil
	case "long":
		return TypeRef{Kind: KindLong}, nil
	case "double":
		return TypeRef{Kind: KindDouble}, nil
	case "string":
		return TypeRef{Kind: KindString}, nil
	case "bytes":
		return TypeRef{Kind: KindBytes}, nil
	case "Bool":
		return TypeRef{Kind: KindBool}, nil
	case "int128":
		return TypeRef{Kind: KindInt128}, nil
	case "int256":
		return TypeRef{Kind: KindInt256}, nil
	case "true":
		return TypeRef{Kind: KindTrue}, nil
	case "#":
		return TypeRef{Kind: KindFlags}, nil
	case "Object", "!X", "X":
		return TypeRef{Kind: KindAny}, nil
	}

	for _, prefix := range []string{"Vector<", "vector<"} {
		if strings.HasPrefix(s, prefix) {
			if !strings.HasSuffix(s, ">") {
				return TypeRef{}, fmt.Errorf("unterminated vector type %q: %w", s, errs.ErrMalformedPayload)
			}
			elem, err := ParseTypeRef(s[len(prefix) : len(s)-1])
			if err != nil {
				return TypeRef{}, err
			}
			return TypeRef{Kind: KindVector, Elem: &elem, Bare: prefix == "vector<"}, nil
		}
	}

	if strings.HasPrefix(s, "!") {
		return TypeRef{Kind: KindAny}, nil
	}
	if strings.HasPrefix(s, "%") {
		return TypeRef{Kind: KindBare, Name: s[1:], ByType: true}, nil
	}
	if isBareName(s) {
		return TypeRef{Kind: KindBare, Name: s}, nil
	}
	return TypeRef{Kind: KindObject, Name: s}, nil
}

// isBareName reports whether s names a constructor (lowercase after the
// namespace) rather than a type.
func isBareName(s string) bool {
	local := s
	if dot := strings.LastIndexByte(s, '.'); dot >= 0 {
		local = s[dot+1:]
	}
	for _, r := range local {
		return unicode.IsLower(r)
	}
	return false
}

// Param is one declared parameter of an entry.
type Param struct {
	Name string
	Type TypeRef
}

// Entry is a constructor or method declaration.
type Entry struct {
	ID     uint32
	Name   string
	Type   string
	Params []Param
	Method bool
}

// String renders the entry as a TL declaration.
func (e *Entry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s#%08x", e.Name, e.ID)
	for _, p := range e.Params {
		fmt.Fprintf(&sb, " %s:%s", p.Name, p.Type)
	}
	fmt.Fprintf(&sb, " = %s;", e.Type)
	return sb.String()
}

func (e *Entry) validate() error {
	seen := make(map[string]bool, len(e.Params))
	for _, p := range e.Params {
		if seen[p.Name] {
			return fmt.Errorf("%s: duplicate parameter %q", e.Name, p.Name)
		}
		if p.Type.Conditional() {
			if !seen[p.Type.FlagField] {
				return fmt.Errorf("%s: parameter %q refers to undeclared flags %q", e.Name, p.Name, p.Type.FlagField)
			}
		}
		seen[p.Name] = true
	}
	for _, p := range e.Params {
		if p.Type.Conditional() {
			if ref := e.param(p.Type.FlagField); ref == nil || ref.Type.Kind != KindFlags {
				return fmt.Errorf("%s: %q is not a flags field", e.Name, p.Type.FlagField)
			}
		}
	}
	return nil
}

func (e *Entry) param(name string) *Param {
	for i := range e.Params {
		if e.Params[i].Name == name {
			return &e.Params[i]
		}
	}
	return nil
}
