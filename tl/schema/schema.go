package schema

import (
	"fmt"
)

// Schema is an immutable-after-load registry of constructors and methods.
type Schema struct {
	byID         map[uint32]*Entry
	constructors map[string]*Entry
	methods      map[string]*Entry
	byType       map[string][]*Entry
}

// New builds a schema from entries.
func New(entries ...*Entry) (*Schema, error) {
	s := &Schema{
		byID:         make(map[uint32]*Entry),
		constructors: make(map[string]*Entry),
		methods:      make(map[string]*Entry),
		byType:       make(map[string][]*Entry),
	}
	for _, e := range entries {
		if err := s.add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schema) add(e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if prev, ok := s.byID[e.ID]; ok && !e.Method && !prev.Method {
		return fmt.Errorf("constructor id %#08x used by %s and %s", e.ID, prev.Name, e.Name)
	}
	if e.Method {
		if _, ok := s.methods[e.Name]; ok {
			return fmt.Errorf("duplicate method %s", e.Name)
		}
		s.methods[e.Name] = e
		if _, ok := s.byID[e.ID]; !ok {
			s.byID[e.ID] = e
		}
		return nil
	}
	if _, ok := s.constructors[e.Name]; ok {
		return fmt.Errorf("duplicate constructor %s", e.Name)
	}
	s.byID[e.ID] = e
	s.constructors[e.Name] = e
	s.byType[e.Type] = append(s.byType[e.Type], e)
	return nil
}

// Merge returns a schema holding the entries of s and other. Entries of
// other win on name conflicts.
func (s *Schema) Merge(other *Schema) (*Schema, error) {
	var entries []*Entry
	for name, e := range s.constructors {
		if _, ok := other.constructors[name]; !ok {
			entries = append(entries, e)
		}
	}
	for name, e := range s.methods {
		if _, ok := other.methods[name]; !ok {
			entries = append(entries, e)
		}
	}
	entries = append(entries, other.Entries()...)
	return New(entries...)
}

// Entries returns every constructor and method.
func (s *Schema) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.constructors)+len(s.methods))
	for _, e := range s.constructors {
		out = append(out, e)
	}
	for _, e := range s.methods {
		out = append(out, e)
	}
	return out
}

// Constructor looks up a constructor by name.
func (s *Schema) Constructor(name string) (*Entry, bool) {
	e, ok := s.constructors[name]
	return e, ok
}

// Method looks up a method by name.
func (s *Schema) Method(name string) (*Entry, bool) {
	e, ok := s.methods[name]
	return e, ok
}

// ByID looks up a constructor (or, failing that, a method) by id.
func (s *Schema) ByID(id uint32) (*Entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// ConstructorsOf returns the constructors whose result type is typ.
func (s *Schema) ConstructorsOf(typ string) []*Entry {
	return s.byType[typ]
}

// Len returns the number of constructors and methods.
func (s *Schema) Len() int { return len(s.constructors) + len(s.methods) }
