// Package jsonpath addresses locations inside decoded JSON values using a
// jq-style path syntax.
//
// Supported forms:
//
//	.projectData.S        object keys
//	.items[0].name        array indices, negative indices count from the end
//	."odd.key" .["odd"]   quoted keys
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ErrSyntax is returned when a path expression can't be parsed.
var ErrSyntax = xerrors.New("invalid path")

type segment struct {
	key     string
	index   int
	isIndex bool
}

// Path is a parsed path expression. The zero value matches nothing.
type Path struct {
	expr     string
	segments []segment
}

// Parse parses expr. A path must address at least one field or element.
func Parse(expr string) (Path, error) {
	p := &parser{expr: expr}
	segments, err := p.parse()
	if err != nil {
		return Path{}, err
	}
	return Path{expr: expr, segments: segments}, nil
}

// MustParse is like Parse but panics on error. Meant for constants and tests.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return p.expr
}

// Exists reports whether v has a value at p. A JSON null counts as present.
func (p Path) Exists(v any) bool {
	_, ok := p.Get(v)
	return ok
}

// Get returns the value at p.
func (p Path) Get(v any) (any, bool) {
	if len(p.segments) == 0 {
		return nil, false
	}
	current := v
	for _, seg := range p.segments {
		var ok bool
		if current, ok = step(current, seg); !ok {
			return nil, false
		}
	}
	return current, true
}

// Set overwrites the value at p in place. It never creates new keys or
// elements: when p doesn't exist in v, v is left untouched and false is
// returned.
func (p Path) Set(v any, value any) bool {
	if len(p.segments) == 0 {
		return false
	}
	parent := v
	for _, seg := range p.segments[:len(p.segments)-1] {
		var ok bool
		if parent, ok = step(parent, seg); !ok {
			return false
		}
	}

	last := p.segments[len(p.segments)-1]
	switch container := parent.(type) {
	case map[string]any:
		if last.isIndex {
			return false
		}
		if _, ok := container[last.key]; !ok {
			return false
		}
		container[last.key] = value
		return true
	case []any:
		if !last.isIndex {
			return false
		}
		i, ok := resolveIndex(last.index, len(container))
		if !ok {
			return false
		}
		container[i] = value
		return true
	}
	return false
}

func step(current any, seg segment) (any, bool) {
	if seg.isIndex {
		arr, ok := current.([]any)
		if !ok {
			return nil, false
		}
		i, ok := resolveIndex(seg.index, len(arr))
		if !ok {
			return nil, false
		}
		return arr[i], true
	}
	m, ok := current.(map[string]any)
	if !ok {
		return nil, false
	}
	val, ok := m[seg.key]
	return val, ok
}

func resolveIndex(index, length int) (int, bool) {
	if index < 0 {
		index += length
	}
	if index < 0 || index >= length {
		return 0, false
	}
	return index, true
}

type parser struct {
	expr string
	pos  int
}

func (p *parser) parse() ([]segment, error) {
	var segments []segment
	for p.pos < len(p.expr) {
		switch p.expr[p.pos] {
		case '.':
			p.pos++
			if p.pos < len(p.expr) && p.expr[p.pos] == '[' {
				continue
			}
			seg, err := p.key()
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
		case '[':
			seg, err := p.bracket()
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
		default:
			return nil, p.errorf("unexpected %q", p.expr[p.pos])
		}
	}
	if len(segments) == 0 {
		return nil, xerrors.Errorf("path %q must address a field: %w", p.expr, ErrSyntax)
	}
	return segments, nil
}

// key parses an identifier or a quoted key following a '.'.
func (p *parser) key() (segment, error) {
	if p.pos < len(p.expr) && p.expr[p.pos] == '"' {
		s, err := p.quoted()
		if err != nil {
			return segment{}, err
		}
		return segment{key: s}, nil
	}

	start := p.pos
	for p.pos < len(p.expr) && !strings.ContainsRune(`.[]" `, rune(p.expr[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return segment{}, p.errorf("missing key")
	}
	return segment{key: p.expr[start:p.pos]}, nil
}

// bracket parses `[0]`, `[-1]` or `["key"]`.
func (p *parser) bracket() (segment, error) {
	p.pos++ // '['
	var seg segment
	if p.pos < len(p.expr) && p.expr[p.pos] == '"' {
		s, err := p.quoted()
		if err != nil {
			return segment{}, err
		}
		seg = segment{key: s}
	} else {
		end := strings.IndexByte(p.expr[p.pos:], ']')
		if end < 0 {
			return segment{}, p.errorf("unterminated '['")
		}
		n, err := strconv.Atoi(p.expr[p.pos : p.pos+end])
		if err != nil {
			return segment{}, p.errorf("invalid index %q", p.expr[p.pos:p.pos+end])
		}
		p.pos += end
		seg = segment{index: n, isIndex: true}
	}
	if p.pos >= len(p.expr) || p.expr[p.pos] != ']' {
		return segment{}, p.errorf("expected ']'")
	}
	p.pos++
	return seg, nil
}

func (p *parser) quoted() (string, error) {
	start := p.pos
	p.pos++ // opening quote
	for p.pos < len(p.expr) {
		switch p.expr[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			s, err := strconv.Unquote(p.expr[start:p.pos])
			if err != nil {
				return "", p.errorf("invalid quoted key %s", p.expr[start:p.pos])
			}
			return s, nil
		}
		p.pos++
	}
	return "", p.errorf("unterminated quoted key")
}

func (p *parser) errorf(format string, args ...any) error {
	return xerrors.Errorf("path %q at offset %d: %s: %w", p.expr, p.pos, fmt.Sprintf(format, args...), ErrSyntax)
}
