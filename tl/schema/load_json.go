package schema

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
)

// jsonID accepts constructor ids written as signed decimal strings (the
// usual layout) or as plain numbers.
type jsonID uint32

func (id *jsonID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("constructor id %s: %w", data, err)
	}
	if v < -1<<31 || v > 1<<32-1 {
		return fmt.Errorf("constructor id %d out of range", v)
	}
	*id = jsonID(uint32(v))
	return nil
}

type jsonParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonEntry struct {
	ID        jsonID      `json:"id"`
	Predicate string      `json:"predicate"`
	Method    string      `json:"method"`
	Params    []jsonParam `json:"params"`
	Type      string      `json:"type"`
}

type jsonSchema struct {
	Constructors []jsonEntry `json:"constructors"`
	Methods      []jsonEntry `json:"methods"`
}

// LoadJSON reads a schema in the JSON layout
// {"constructors":[{"id","predicate","params":[{"name","type"}],"type"}],
// "methods":[{"id","method","params","type"}]}.
func LoadJSON(r io.Reader) (*Schema, error) {
	var raw jsonSchema
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode schema json: %w", err)
	}

	entries := make([]*Entry, 0, len(raw.Constructors)+len(raw.Methods))
	convert := func(je jsonEntry, name string, method bool) error {
		e := &Entry{ID: uint32(je.ID), Name: name, Type: je.Type, Method: method}
		for _, p := range je.Params {
			ref, err := ParseTypeRef(p.Type)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", name, p.Name, err)
			}
			e.Params = append(e.Params, Param{Name: p.Name, Type: ref})
		}
		entries = append(entries, e)
		return nil
	}
	for _, c := range raw.Constructors {
		// Builtin generic vector is handled natively.
		if c.Predicate == "vector" {
			continue
		}
		if err := convert(c, c.Predicate, false); err != nil {
			return nil, err
		}
	}
	for _, m := range raw.Methods {
		if err := convert(m, m.Method, true); err != nil {
			return nil, err
		}
	}
	return New(entries...)
}
