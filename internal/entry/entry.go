// Package entry implements the directory entry value type: a DN plus an
// attribute multimap, with deep-copy and password-authentication helpers.
package entry

import (
	"crypto/sha1" //nolint:gosec // SSHA is a legacy but still-deployed LDAP password scheme
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxygoat/flapjakd/internal/dn"
)

// Entry is a single LDAP-style entry comprising a Distinguished Name and
// named attributes that may have multiple values. Entries are treated as
// value types: any mutation a caller performs on a returned Entry must not
// be visible to the store, and vice versa. Use [Entry.Clone] to obtain an
// independent copy.
type Entry struct {
	// DN is the distinguished name of the entry.
	DN dn.DN
	// Attrs maps the lower-case attribute name to the attribute, so
	// attributes can be looked up case-insensitively.
	Attrs map[string]Attr
}

// Attr is an attribute of an Entry.
type Attr struct {
	// Name is the canonical name of the attribute, preserving the case
	// as originally entered.
	Name string
	// Vals are the attribute's values, stored and returned as strings.
	// Values that are not valid UTF-8 text are base64-encoded by the
	// dump codec on the way in and out; in memory they are always the
	// decoded bytes represented as a string.
	Vals []string
}

// sensitiveAttrs lists attribute names never returned to search callers
// unless a future access-control layer explicitly allows it.
var sensitiveAttrs = map[string]bool{
	"userpassword": true,
}

// AddAttr adds attr to e, keyed case-insensitively by name. If an attribute
// with the same case-insensitive name already exists, it is replaced.
func (e *Entry) AddAttr(attr Attr) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]Attr)
	}
	e.Attrs[strings.ToLower(attr.Name)] = attr
}

// GetAttr returns the attribute for the given case-insensitive name and
// true if it exists, or the zero Attr and false if it does not.
func (e *Entry) GetAttr(attr string) (Attr, bool) {
	v, ok := e.Attrs[strings.ToLower(attr)]
	return v, ok
}

// HasValue returns true if val is one of a's values, compared
// case-sensitively regardless of what an LDAP schema may say for the
// attribute.
func (a Attr) HasValue(val string) bool {
	return slices.Contains(a.Vals, val)
}

// IsSensitive reports whether a's values should be withheld from ordinary
// search responses.
func (a Attr) IsSensitive() bool {
	return sensitiveAttrs[strings.ToLower(a.Name)]
}

// Clone returns a deep copy of e: an independent DN slice and an
// independent Attrs map with independent value slices. This is the
// mutation boundary spec'd for the store: callers may freely modify a
// cloned Entry without affecting the stored original.
func (e *Entry) Clone() *Entry {
	clone := &Entry{
		DN:    e.DN.Clone(),
		Attrs: make(map[string]Attr, len(e.Attrs)),
	}
	for k, a := range e.Attrs {
		clone.Attrs[k] = Attr{Name: a.Name, Vals: slices.Clone(a.Vals)}
	}
	return clone
}

// NewFromMap returns an Entry built from attrs, a string-encoded map of
// attribute names to a value or slice of values, such as decoded from a
// JSON entry document. attrs must contain "dn" and "objectClass" at a
// minimum. Values may be strings, float64s or bools.
func NewFromMap(attrs map[string]any) (*Entry, error) {
	e := &Entry{Attrs: make(map[string]Attr)}

	for attrName, val := range attrs {
		attrVal, ok := val.([]any)
		if !ok {
			attrVal = []any{val}
		}

		if strings.ToLower(attrName) == "dn" {
			if len(attrVal) > 1 {
				return nil, fmt.Errorf("dn cannot have multiple values: %v", attrVal)
			}
			dnstr, ok := attrVal[0].(string)
			if !ok || strings.TrimSpace(dnstr) == "" {
				return nil, fmt.Errorf("dn must be a non-empty string: %v", attrVal[0])
			}
			if !e.DN.IsEmpty() {
				return nil, fmt.Errorf("dn already set: %v, %v", e.DN, dnstr)
			}
			d, err := dn.New(dnstr)
			if err != nil {
				return nil, err
			}
			if d.IsEmpty() {
				return nil, errors.New("dn must not be empty")
			}
			e.DN = d
			continue
		}

		attr, ok := e.GetAttr(attrName)
		if ok {
			return nil, fmt.Errorf("duplicate attribute: %v, %v", attrName, attr.Name)
		}
		attr.Name = attrName

		for _, aval := range attrVal {
			switch v := aval.(type) {
			case string:
				attr.Vals = append(attr.Vals, v)
			case float64:
				attr.Vals = append(attr.Vals, strconv.FormatFloat(v, 'f', -1, 64))
			case bool:
				attr.Vals = append(attr.Vals, strconv.FormatBool(v))
			default:
				return nil, fmt.Errorf("invalid type for attribute: %v: %#T", aval, aval)
			}
		}
		e.AddAttr(attr)
	}

	if e.DN.IsEmpty() {
		return nil, errors.New("missing DN")
	}
	if _, ok := e.GetAttr("objectClass"); !ok {
		return nil, fmt.Errorf("missing objectClass for %s", e.DN)
	}

	return e, nil
}

// Authentication errors returned by [Entry.Authenticate].
var (
	ErrInvalidEntryForAuth  = errors.New("entry objectClass does not support authentication")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMalformedBase64      = errors.New("malformed base64 in userPassword hashtext")
	ErrHashtextTooShort     = errors.New("userPassword hashtext shorter than digest length")
	ErrMissingSalt          = errors.New("userPassword hashtext has no salt")
)

// authAttrObjectClasses lists the objectClass values entitled to hold an
// authenticatable userPassword, mirroring common POSIX/shadow schemas.
var authAttrObjectClasses = map[string]bool{
	"posixaccount":  true,
	"posixgroup":    true,
	"shadowaccount": true,
}

var newHashFuncs = map[string]func() hash.Hash{
	"SSHA":    sha1.New,
	"SSHA256": sha256.New,
	"SSHA512": sha512.New,
}

// Authenticate compares password against e's userPassword attribute. It
// supports the salted-hash schemes {SSHA}, {SSHA256}, {SSHA512} (digest
// followed by an appended salt, base64-encoded as a whole) and {BCRYPT}. If
// e's objectClass does not support authentication, or userPassword is
// absent, malformed, or does not match, a wrapped sentinel error is
// returned describing why.
func (e *Entry) Authenticate(password string) error {
	oc, ok := e.GetAttr("objectClass")
	supported := false
	if ok {
		for _, v := range oc.Vals {
			if authAttrObjectClasses[strings.ToLower(v)] {
				supported = true
				break
			}
		}
	}
	if !supported {
		return ErrInvalidEntryForAuth
	}

	pw, ok := e.GetAttr("userPassword")
	if !ok || len(pw.Vals) == 0 {
		return fmt.Errorf("%w: no userPassword", ErrAuthenticationFailed)
	}

	var lastErr error
	for _, stored := range pw.Vals {
		if err := verifyPassword(stored, password); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func verifyPassword(stored, password string) error {
	scheme, hashtext, ok := splitScheme(stored)
	if !ok {
		return fmt.Errorf("%w: missing scheme prefix", ErrAuthenticationFailed)
	}

	if scheme == "BCRYPT" {
		if err := bcrypt.CompareHashAndPassword([]byte(hashtext), []byte(password)); err != nil {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, err)
		}
		return nil
	}

	newHash, ok := newHashFuncs[scheme]
	if !ok {
		return fmt.Errorf("%w: unknown scheme %q", ErrAuthenticationFailed, scheme)
	}

	raw, err := base64.StdEncoding.DecodeString(hashtext)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBase64, err)
	}

	h := newHash()
	digestLen := h.Size()
	if len(raw) < digestLen {
		return ErrHashtextTooShort
	}
	if len(raw) == digestLen {
		return ErrMissingSalt
	}
	digest, salt := raw[:digestLen], raw[digestLen:]

	h.Reset()
	h.Write([]byte(password)) //nolint:errcheck,gosec // hash.Hash.Write never errors
	h.Write(salt)             //nolint:errcheck,gosec // hash.Hash.Write never errors

	if !slices.Equal(h.Sum(nil), digest) {
		return ErrAuthenticationFailed
	}
	return nil
}

// splitScheme splits a userPassword value of the form "{SCHEME}hashtext"
// into its parts.
func splitScheme(stored string) (scheme, hashtext string, ok bool) {
	if len(stored) == 0 || stored[0] != '{' {
		return "", "", false
	}
	end := strings.IndexByte(stored, '}')
	if end < 0 {
		return "", "", false
	}
	return stored[1:end], stored[end+1:], true
}
