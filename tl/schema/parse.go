package schema

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse reads one-line TL declarations. Lines after "---functions---" are
// methods, lines after "---types---" constructors. Comments, blank lines and
// builtin declarations with {generic} parameters are skipped. Every
// declaration must carry an explicit #id.
func Parse(r io.Reader) (*Schema, error) {
	var entries []*Entry
	method := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case line == "":
			continue
		case line == "---functions---":
			method = true
			continue
		case line == "---types---":
			method = false
			continue
		case strings.Contains(line, "{"):
			continue
		}
		e, err := ParseDeclaration(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		e.Method = method
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(entries...)
}

// ParseDeclaration parses "name#id a:int b:flags.0?string = Type;".
func ParseDeclaration(line string) (*Entry, error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	eq := strings.LastIndex(line, "=")
	if eq < 0 {
		return nil, fmt.Errorf("declaration %q has no result type", line)
	}
	lhs := strings.Fields(line[:eq])
	typ := strings.TrimSpace(line[eq+1:])
	if len(lhs) == 0 || typ == "" {
		return nil, fmt.Errorf("declaration %q is incomplete", line)
	}

	head := lhs[0]
	hash := strings.IndexByte(head, '#')
	if hash < 0 {
		return nil, fmt.Errorf("declaration %q has no constructor id", line)
	}
	id, err := strconv.ParseUint(head[hash+1:], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("bad constructor id in %q: %v", head, err)
	}
	e := &Entry{ID: uint32(id), Name: head[:hash], Type: typ}

	for _, field := range lhs[1:] {
		colon := strings.IndexByte(field, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("bad parameter %q in %s", field, e.Name)
		}
		ref, err := ParseTypeRef(field[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, field[:colon], err)
		}
		e.Params = append(e.Params, Param{Name: field[:colon], Type: ref})
	}
	return e, nil
}
