// Package filter implements the LDAP filter grammar (a small subset:
// presence, equality, and/or/not) as a recursive-descent parser producing
// an AST that matches against an [entry.Entry].
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/foxygoat/flapjakd/internal/entry"
)

var (
	ErrInternal         = errors.New("internal error")
	ErrUnexpectedEOF    = errors.New("unexpected end of filter")
	ErrUnexpectedInput  = errors.New("unexpected input")
	ErrUnimplemented    = errors.New("unimplemented")
	ErrInvalidAttrName  = errors.New("invalid attribute name")
	ErrEmptyAttrName    = errors.New("empty attribute name")
	ErrEmptyAttrValue   = errors.New("empty attribute value")
	ErrMissingOperation = errors.New("missing filter operation")
)

// Node represents an individual filter element of a parsed LDAP filter
// string. A full filter is an abstract syntax tree (AST) made of Nodes.
//
// LDAP filters: https://ldap.com/ldap-filters/
type Node interface {
	Match(e *entry.Entry) bool
}

// Parse parses an LDAP filter string into a [Node] AST that can be used to
// match against an [entry.Entry]. A nil, empty Node is never returned
// alongside a nil error.
func Parse(filter string) (n Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(parseError); ok {
				n, err = nil, perr.err
			} else {
				panic(r)
			}
		}
	}()

	filter = strings.TrimSpace(filter)
	c := &cursor{input: []rune(filter)}
	n = parseFilter(c)

	if !c.isEOF() {
		panicf("%w: %s", ErrUnexpectedInput, string(c.input[c.pos:]))
	}

	return n, nil
}

func parseFilter(c *cursor) Node {
	c.expectRune('(')
	switch c.peek() {
	case '&':
		return parseAndOrFilter(c, '&')
	case '|':
		return parseAndOrFilter(c, '|')
	case '!':
		return parseNotFilter(c)
	default:
		return parseOpFilter(c)
	}
}

func parseAndOrFilter(c *cursor, op rune) Node {
	var nodes []Node
	c.expectRune(op)

	for {
		if c.peek() == '(' {
			nodes = append(nodes, parseFilter(c))
		} else {
			c.expectRune(')')
			break
		}
	}

	if len(nodes) == 0 {
		panicf("%w: expected filter, got ')'", ErrUnexpectedInput)
	}

	switch op {
	case '&':
		return &And{Nodes: nodes}
	case '|':
		return &Or{Nodes: nodes}
	}
	panicf("%w: unknown and/or op: %q", ErrInternal, op)
	return nil
}

func parseNotFilter(c *cursor) Node {
	c.expectRune('!')
	node := parseFilter(c)
	c.expectRune(')')
	return &Not{Node: node}
}

func parseOpFilter(c *cursor) Node {
	rs := c.extractTo(')')
	c.expectRune(')')

	var attr, op, value string
	switch idx := slices.Index(rs, '='); {
	case idx == -1:
		panice(ErrMissingOperation)
	case idx > 0 && isOp(string(rs[idx-1:idx+1])):
		attr = validateAttrName(rs[:idx-1])
		op = string(rs[idx-1 : idx+1])
		value = string(rs[idx+1:])
	default:
		attr = validateAttrName(rs[:idx])
		op = string(rs[idx])
		value = string(rs[idx+1:])
	}

	if value == "" {
		panice(ErrEmptyAttrValue)
	}

	if op == "=" && value == "*" {
		return &Presence{Attr: attr}
	}
	if op == "=" {
		return &Equality{Attr: attr, Value: value}
	}

	panicf("%w: operation: %s", ErrUnimplemented, op)
	return nil
}

func validateAttrName(rs []rune) string {
	if len(rs) == 0 {
		panice(ErrEmptyAttrName)
	}
	for i, r := range rs {
		if !isValidAttrRune(i, r) {
			panicf("%w: invalid char %q", ErrInvalidAttrName, r)
		}
	}
	return string(rs)
}

func isValidAttrRune(pos int, r rune) bool {
	if pos == 0 {
		return unicode.IsLetter(r)
	}
	return r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isOp(op string) bool {
	switch op {
	case "=", "<=", ">=", "~=":
		return true
	default:
		return false
	}
}

// Presence is a Node matching any entry with an attribute of the given
// name. Its syntax is `(attr=*)`.
type Presence struct {
	Attr string
}

func (f *Presence) Match(e *entry.Entry) bool {
	_, ok := e.GetAttr(f.Attr)
	return ok
}

// Equality is a Node matching an entry with an attribute of the given name
// holding the given value. Its syntax is `(attr=<value>)`.
type Equality struct {
	Attr  string
	Value string
}

func (f *Equality) Match(e *entry.Entry) bool {
	attr, ok := e.GetAttr(f.Attr)
	return ok && attr.HasValue(f.Value)
}

// And is a Node matching if all its child Nodes match. Zero children
// matches any entry. Its syntax is `(&(child1)(child2)...(childN))`.
type And struct {
	Nodes []Node
}

func (f *And) Match(e *entry.Entry) bool {
	for _, n := range f.Nodes {
		if !n.Match(e) {
			return false
		}
	}
	return true
}

// Or is a Node matching if any of its child Nodes match. Zero children
// matches no entry. Its syntax is `(|(child1)(child2)...(childN))`.
type Or struct {
	Nodes []Node
}

func (f *Or) Match(e *entry.Entry) bool {
	for _, n := range f.Nodes {
		if n.Match(e) {
			return true
		}
	}
	return false
}

// Not is a Node matching if its single child Node does not match. Its
// syntax is `(!(child))`.
type Not struct {
	Node Node
}

func (f *Not) Match(e *entry.Entry) bool {
	return !f.Node.Match(e)
}

type parseError struct{ err error }

func panice(err error) {
	panic(parseError{err: err})
}

func panicf(format string, args ...any) {
	panic(parseError{err: fmt.Errorf(format, args...)})
}

type cursor struct {
	input []rune
	pos   int
}

func (c *cursor) isEOF() bool {
	return c.pos >= len(c.input)
}

func (c *cursor) peek() rune {
	if c.isEOF() {
		panice(ErrUnexpectedEOF)
	}
	return c.input[c.pos]
}

func (c *cursor) extractTo(r rune) []rune {
	start := c.pos
	for ; !c.isEOF() && c.input[c.pos] != r; c.pos++ {
	}
	return c.input[start:c.pos]
}

func (c *cursor) expectRune(r rune) {
	if c.isEOF() {
		panicf("%w: expecting %q", ErrUnexpectedEOF, r)
	}
	next := c.peek()
	if next != r {
		panicf("%w: %q expecting %q", ErrUnexpectedInput, next, r)
	}
	c.pos++
}
