// Package generator implements the synthetic dump-file generator: a
// jsonnet template describing a branching hierarchy is evaluated and
// lazily expanded into a flat entry sequence, following the §4.5 HasNext
// / Next / Warnings contract.
//
// Ground: teacher's main.go jsonnet-loading path (jnxkong.Config,
// vm.EvaluateFile, then json.go's ReadJSON/getEntries shape for turning
// decoded JSON into entries) repurposed from "load a finished entry list"
// to "evaluate a template that describes a hierarchy, then expand it".
package generator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/google/go-jsonnet"
	"github.com/google/uuid"

	"github.com/foxygoat/flapjakd/internal/entry"
)

// Template is the jsonnet template grammar: a node describes how many
// sibling entries to generate at this level, their DN and attribute
// templates, and any nested sub-branches.
type Template struct {
	// Count is how many sibling entries this node generates. Zero or
	// unset means 1.
	Count int `json:"count"`
	// DN is a template string; "{{i}}" is replaced with the zero-based
	// sibling index, "{{uuid}}" with a generated UUID, and "{{name}}"
	// with the constant named "name" if one was supplied.
	DN string `json:"dn"`
	// Attrs maps attribute names to a template value or slice of
	// template values, using the same placeholders as DN.
	Attrs map[string]any `json:"attrs"`
	// Children are nested branch templates, generated once per sibling
	// of this node, with this node's substitutions visible to them via
	// "{{parent}}".
	Children []Template `json:"children"`
}

// Config configures a Generator.
type Config struct {
	// Constants overrides/extends the "{{name}}" substitution table,
	// populated from repeatable `-c name=value` flags.
	Constants map[string]string
	// Seed seeds the deterministic random source used for "{{uuid}}"
	// substitution.
	Seed uint64
	// GenerateBranchEntries, when true, emits an entry for every
	// non-leaf template node (e.g. the "ou=people" container) in
	// addition to its leaves; when false, only leaf nodes (Children
	// empty) produce entries.
	GenerateBranchEntries bool
}

// frame tracks one Template node's position in its sibling loop (0..count)
// and, within the current sibling, how far its children have been pushed.
// A stack of frames is the explicit call stack that lets expansion be
// driven one entry at a time instead of recursing to completion.
type frame struct {
	t     Template
	vars  map[string]string // ancestor bindings, visible to every sibling of t
	count int
	i     int // index of the sibling currently being processed

	// started is false until sibling i's own vars/DN/entry have been
	// computed; childIdx is only meaningful once started is true.
	started     bool
	siblingVars map[string]string
	childIdx    int
}

// Generator lazily expands a Template tree into entries, one Next() at a
// time: only the frames on the path from the root to the entry currently
// being produced exist in memory, per spec.md §4.5's "lazy stream of
// entries" / "not restartable" contract. Next must not be called once
// HasNext returns false: doing so panics, matching the parse-error
// discipline used elsewhere in this codebase (filter.Parse).
type Generator struct {
	cfg      Config
	rng      *rand.Rand
	warnings []string
	stack    []*frame
	pending  *entry.Entry
	done     bool
}

// New evaluates path (a jsonnet template file) with vm and returns a
// Generator primed to expand it. Evaluating the template is the only
// up-front work done here: no entries are produced, and no substitution
// happens, until HasNext/Next is first called. vm's jsonnet library search
// path should already include cfg's resource directory; wiring that is the
// caller's responsibility (cmd/dumpgen's jnxkong.Config).
func New(vm *jsonnet.VM, path string, cfg Config) (*Generator, error) {
	out, err := vm.EvaluateFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not evaluate template %s: %w", path, err)
	}

	var root Template
	if err := json.Unmarshal([]byte(out), &root); err != nil {
		return nil, fmt.Errorf("template %s did not evaluate to a generator template: %w", path, err)
	}

	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
	}
	g.stack = []*frame{newFrame(root, map[string]string{})}
	return g, nil
}

func newFrame(t Template, vars map[string]string) *frame {
	count := t.Count
	if count <= 0 {
		count = 1
	}
	return &frame{t: t, vars: vars, count: count}
}

// HasNext reports whether Next has another entry to return, performing
// whatever expansion is needed to find out (or to confirm there is none).
func (g *Generator) HasNext() bool {
	g.advance()
	return g.pending != nil
}

// Next returns the next generated entry. It panics if HasNext is false.
func (g *Generator) Next() *entry.Entry {
	if !g.HasNext() {
		panic("generator: Next called with no entries remaining")
	}
	e := g.pending
	g.pending = nil
	return e
}

// Warnings returns non-fatal issues encountered while expanding the
// template so far, such as a placeholder with no matching constant. More
// may be appended by subsequent Next calls.
func (g *Generator) Warnings() []string {
	return g.warnings
}

// advance runs the stack-based expansion until it has produced an entry
// into g.pending, or the stack is empty and there is nothing left to
// produce. It is idempotent once pending is set or done is true.
func (g *Generator) advance() {
	if g.pending != nil || g.done {
		return
	}
	for len(g.stack) > 0 {
		f := g.stack[len(g.stack)-1]

		if f.i >= f.count {
			g.stack = g.stack[:len(g.stack)-1]
			continue
		}

		if !f.started {
			siblingVars := g.baseVars(f.vars, f.i)
			dn := g.substitute(f.t.DN, siblingVars)
			siblingVars["parent"] = dn
			f.siblingVars = siblingVars
			f.started = true
			f.childIdx = 0

			isLeaf := len(f.t.Children) == 0
			if isLeaf || g.cfg.GenerateBranchEntries {
				if e := g.buildEntry(dn, f.t.Attrs, f.siblingVars); e != nil {
					g.pending = e
					return
				}
			}
		}

		if f.childIdx < len(f.t.Children) {
			child := f.t.Children[f.childIdx]
			f.childIdx++
			g.stack = append(g.stack, newFrame(child, f.siblingVars))
			continue
		}

		f.i++
		f.started = false
	}
	g.done = true
}

// baseVars computes the substitution table visible to sibling i before its
// own DN (and thus "parent") is known: ancestor vars, then config
// constants, then this node's own i/uuid bindings.
func (g *Generator) baseVars(vars map[string]string, i int) map[string]string {
	out := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range g.cfg.Constants {
		out[k] = v
	}
	out["i"] = strconv.Itoa(i)
	out["uuid"] = g.deterministicUUID().String()
	return out
}

// buildEntry materialises dn and attrs (template values) into an Entry,
// recording a warning and skipping the entry if it cannot be built.
func (g *Generator) buildEntry(dn string, attrs map[string]any, vars map[string]string) *entry.Entry {
	m := map[string]any{"dn": dn}
	for name, val := range attrs {
		m[name] = g.substituteValue(val, vars)
	}
	e, err := entry.NewFromMap(m)
	if err != nil {
		g.warnings = append(g.warnings, fmt.Sprintf("skipping entry %q: %s", dn, err))
		return nil
	}
	return e
}

func (g *Generator) substituteValue(val any, vars map[string]string) any {
	switch v := val.(type) {
	case string:
		return g.substitute(v, vars)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = g.substituteValue(e, vars)
		}
		return out
	default:
		return v
	}
}

// substitute replaces every "{{name}}" placeholder in s with vars["name"],
// recording a warning for any placeholder with no binding.
func (g *Generator) substitute(s string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		name := strings.TrimSpace(s[start+2 : end])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			g.warnings = append(g.warnings, fmt.Sprintf("unresolved placeholder {{%s}}", name))
		}
		s = s[end+2:]
	}
	return b.String()
}

// deterministicUUID derives a UUID from the generator's seeded random
// source so runs with the same seed reproduce the same identifiers.
func (g *Generator) deterministicUUID() uuid.UUID {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(g.rng.Uint32())
	}
	sum := sha256.Sum256(seed[:])
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}
