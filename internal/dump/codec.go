// Package dump implements the textual directory-exchange dump format used
// to persist the tree to disk (SPEC_FULL.md §4.3) and the atomic
// rewrite-via-temp-then-rename protocol used to commit it (§4.2).
//
// The format is record-oriented: records are separated by blank lines, and
// each record is a sequence of "type: value" or "type:: base64(value)"
// lines, with long lines wrapped at a configurable column using a single
// leading space on continuation lines.
package dump

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/foxygoat/flapjakd/internal/dn"
	"github.com/foxygoat/flapjakd/internal/entry"
)

// ParseError describes a single malformed record encountered while reading
// a dump. Continuable errors are logged and skipped by the loader;
// non-continuable errors abort the whole import.
type ParseError struct {
	Err         error
	Continuable bool
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

func continuable(format string, args ...any) *ParseError {
	return &ParseError{Err: fmt.Errorf(format, args...), Continuable: true}
}

func fatal(format string, args ...any) *ParseError {
	return &ParseError{Err: fmt.Errorf(format, args...), Continuable: false}
}

// Read parses r as a sequence of dump records, yielding each successfully
// parsed entry alongside a nil error, or a nil entry alongside a
// [*ParseError] for a record that failed to parse. Iteration stops after a
// non-continuable error is yielded.
func Read(r io.Reader) iter.Seq2[*entry.Entry, error] {
	return func(yield func(*entry.Entry, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		var lines []string
		flush := func() bool {
			if len(lines) == 0 {
				return true
			}
			e, perr := parseRecord(lines)
			lines = nil
			if perr != nil {
				if !yield(nil, perr) {
					return false
				}
				return perr.Continuable
			}
			return yield(e, nil)
		}

		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if len(line) > 1 && line[0] == ' ' && len(lines) > 0 {
				lines[len(lines)-1] += line[1:]
				continue
			}
			lines = append(lines, line)
		}
		if err := sc.Err(); err != nil {
			yield(nil, fatal("reading dump: %w", err))
			return
		}
		flush()
	}
}

// parseRecord parses the unwrapped logical lines of a single record into
// an Entry. The first line must be "dn: ..." or "dn:: ...".
func parseRecord(lines []string) (*entry.Entry, *ParseError) {
	if len(lines) == 0 {
		return nil, nil
	}

	attrName, value, isB64, err := splitLine(lines[0])
	if err != nil {
		return nil, continuable("%s", err)
	}
	if !strings.EqualFold(attrName, "dn") {
		return nil, continuable("record does not start with dn: line: %q", lines[0])
	}
	if isB64 {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, continuable("malformed base64 dn: %w", err)
		}
		value = string(decoded)
	}
	d, err := dn.New(value)
	if err != nil {
		return nil, continuable("invalid dn %q: %w", value, err)
	}

	e := &entry.Entry{DN: d, Attrs: make(map[string]entry.Attr)}
	for _, line := range lines[1:] {
		name, val, isB64, err := splitLine(line)
		if err != nil {
			return nil, continuable("%s", err)
		}
		if isB64 {
			decoded, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, continuable("malformed base64 value for %s: %w", name, err)
			}
			val = string(decoded)
		}
		attr, _ := e.GetAttr(name)
		attr.Name = name
		attr.Vals = append(attr.Vals, val)
		e.AddAttr(attr)
	}

	return e, nil
}

// splitLine splits a "type: value" or "type:: base64value" line.
func splitLine(line string) (attrType, value string, isB64 bool, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false, fmt.Errorf("missing ':' in line: %q", line)
	}
	attrType = line[:idx]
	if attrType == "" {
		return "", "", false, fmt.Errorf("empty attribute type in line: %q", line)
	}
	rest := line[idx+1:]
	if strings.HasPrefix(rest, ":") {
		return attrType, strings.TrimSpace(rest[1:]), true, nil
	}
	return attrType, strings.TrimPrefix(rest, " "), false, nil
}

// Write emits entries to w as dump records separated by blank lines,
// wrapping lines longer than wrapColumn (0 disables wrapping) at
// continuation boundaries prefixed with a single space. Non-printable
// values are base64-encoded using the "::" line form.
//
// entries is pulled one at a time rather than required as a materialised
// slice, so a caller streaming from a lazy source (e.g. generator.Generator)
// can interleave production and writing instead of buffering the whole
// dump in memory first; pass slices.Values(s) to write a plain slice.
func Write(w io.Writer, entries iter.Seq[*entry.Entry], wrapColumn int) error {
	bw := bufio.NewWriter(w)
	first := true
	for e := range entries {
		if !first {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		first = false
		if err := writeLine(bw, "dn", e.DN.String(), wrapColumn); err != nil {
			return err
		}
		for _, attr := range e.Attrs {
			for _, v := range attr.Vals {
				if err := writeLine(bw, attr.Name, v, wrapColumn); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

func writeLine(w *bufio.Writer, name, value string, wrapColumn int) error {
	var line string
	if needsBase64(value) {
		line = name + ":: " + base64.StdEncoding.EncodeToString([]byte(value))
	} else {
		line = name + ": " + value
	}
	return writeWrapped(w, line, wrapColumn)
}

func writeWrapped(w *bufio.Writer, line string, wrapColumn int) error {
	if wrapColumn <= 0 || len(line) <= wrapColumn {
		_, err := w.WriteString(line + "\n")
		return err
	}
	if _, err := w.WriteString(line[:wrapColumn] + "\n"); err != nil {
		return err
	}
	rest := line[wrapColumn:]
	chunk := wrapColumn - 1
	if chunk < 1 {
		chunk = 1
	}
	for len(rest) > 0 {
		n := min(chunk, len(rest))
		if _, err := w.WriteString(" " + rest[:n] + "\n"); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

// needsBase64 reports whether value must be base64-encoded: it contains
// non-printable bytes, is not valid UTF-8, or begins with a character that
// the dump format reserves (space, colon, less-than).
func needsBase64(value string) bool {
	if value == "" {
		return false
	}
	if !utf8.ValidString(value) {
		return true
	}
	switch value[0] {
	case ' ', ':', '<':
		return true
	}
	for _, b := range []byte(value) {
		if b < 0x20 && b != '\t' {
			return true
		}
	}
	return false
}
