// Package dsl parses the two Chengis pipeline surface syntaxes: the code
// form (defpipeline programs) and the data form (Chengisfile keyed records).
// Both are read by one s-expression reader and produce identical Pipeline
// values for equivalent input.
package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// Node is any value produced by the reader: Symbol, Keyword, string, int64,
// bool, List, Vector, or Map.
type Node any

// Symbol is a bare identifier such as defpipeline or sh.
type Symbol string

// Keyword is a colon-prefixed identifier such as :stages (stored without the colon).
type Keyword string

// List is a parenthesized form.
type List []Node

// Vector is a bracketed sequence.
type Vector []Node

// MapEntry preserves declaration order inside braced records.
type MapEntry struct {
	Key   Node
	Value Node
}

// Map is a braced record. Lookup is linear; records are tiny.
type Map []MapEntry

// Get returns the value for a keyword key.
func (m Map) Get(key Keyword) (Node, bool) {
	for _, e := range m {
		if k, ok := e.Key.(Keyword); ok && k == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether the record carries the keyword key.
func (m Map) Has(key Keyword) bool {
	_, ok := m.Get(key)
	return ok
}

type reader struct {
	src  []rune
	pos  int
	line int
}

// Read parses the source into its sequence of top-level nodes.
func Read(src string) ([]Node, error) {
	r := &reader{src: []rune(src), line: 1}
	var nodes []Node
	for {
		r.skipSpace()
		if r.eof() {
			return nodes, nil
		}
		node, err := r.readNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
}

// ReadOne parses exactly one top-level node and rejects trailing content.
func ReadOne(src string) (Node, error) {
	nodes, err := Read(src)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, syntaxError(0, "expected exactly one top-level form, found %d", len(nodes))
	}
	return nodes[0], nil
}

func (r *reader) eof() bool { return r.pos >= len(r.src) }

func (r *reader) peek() rune { return r.src[r.pos] }

func (r *reader) next() rune {
	ch := r.src[r.pos]
	r.pos++
	if ch == '\n' {
		r.line++
	}
	return ch
}

func (r *reader) skipSpace() {
	for !r.eof() {
		ch := r.peek()
		switch {
		case unicode.IsSpace(ch) || ch == ',':
			r.next()
		case ch == ';':
			for !r.eof() && r.peek() != '\n' {
				r.next()
			}
		default:
			return
		}
	}
}

func (r *reader) readNode() (Node, error) {
	switch ch := r.peek(); ch {
	case '(':
		return r.readSeq('(', ')')
	case '[':
		return r.readSeq('[', ']')
	case '{':
		return r.readMap()
	case ')', ']', '}':
		return nil, syntaxError(r.line, "unexpected %q", ch)
	case '"':
		return r.readString()
	case ':':
		return r.readKeyword()
	default:
		return r.readAtom()
	}
}

func (r *reader) readSeq(open, close rune) (Node, error) {
	startLine := r.line
	r.next() // consume open
	var items []Node
	for {
		r.skipSpace()
		if r.eof() {
			return nil, syntaxError(startLine, "unterminated %q form", open)
		}
		if r.peek() == close {
			r.next()
			if open == '(' {
				return List(items), nil
			}
			return Vector(items), nil
		}
		item, err := r.readNode()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

func (r *reader) readMap() (Node, error) {
	startLine := r.line
	r.next() // consume {
	var entries Map
	for {
		r.skipSpace()
		if r.eof() {
			return nil, syntaxError(startLine, "unterminated map")
		}
		if r.peek() == '}' {
			r.next()
			return entries, nil
		}
		key, err := r.readNode()
		if err != nil {
			return nil, err
		}
		r.skipSpace()
		if r.eof() || r.peek() == '}' {
			return nil, syntaxError(startLine, "map key %v has no value", key)
		}
		value, err := r.readNode()
		if err != nil {
			return nil, err
		}
		entries = append(entries, MapEntry{Key: key, Value: value})
	}
}

func (r *reader) readString() (Node, error) {
	startLine := r.line
	r.next() // consume quote
	var sb strings.Builder
	for {
		if r.eof() {
			return nil, syntaxError(startLine, "unterminated string")
		}
		ch := r.next()
		switch ch {
		case '"':
			return sb.String(), nil
		case '\\':
			if r.eof() {
				return nil, syntaxError(startLine, "unterminated escape in string")
			}
			esc := r.next()
			switch esc {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case '"', '\\':
				sb.WriteRune(esc)
			default:
				return nil, syntaxError(r.line, "unknown escape \\%c", esc)
			}
		default:
			sb.WriteRune(ch)
		}
	}
}

func (r *reader) readKeyword() (Node, error) {
	r.next() // consume colon
	word := r.readWord()
	if word == "" {
		return nil, syntaxError(r.line, "empty keyword")
	}
	return Keyword(word), nil
}

func (r *reader) readAtom() (Node, error) {
	word := r.readWord()
	if word == "" {
		return nil, syntaxError(r.line, "unexpected character %q", r.peek())
	}
	switch word {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	}
	if n, err := strconv.ParseInt(word, 10, 64); err == nil {
		return n, nil
	}
	return Symbol(word), nil
}

func (r *reader) readWord() string {
	start := r.pos
	for !r.eof() {
		ch := r.peek()
		if unicode.IsSpace(ch) || strings.ContainsRune("()[]{}\";,", ch) {
			break
		}
		r.next()
	}
	return string(r.src[start:r.pos])
}

func syntaxError(line int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		msg = fmt.Sprintf("line %d: %s", line, msg)
	}
	return derrors.ValidationError(msg).WithContext("line", line).Build()
}
