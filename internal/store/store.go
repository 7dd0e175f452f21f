// Package store implements the in-memory directory tree: two cross-linked
// indexes (entries by DN, children by parent DN) plus the mutation and
// search operations that preserve the structural invariants described in
// SPEC_FULL.md. Store itself does no locking and no I/O; the caller (the
// backend facade) is responsible for holding the appropriate side of a
// reader-writer lock around every call, per the concurrency design in
// SPEC_FULL.md §5.
package store

import (
	"fmt"
	"iter"

	"github.com/foxygoat/flapjakd/internal/dn"
	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/filter"
)

// ErrorCode classifies a [StoreError].
type ErrorCode int

const (
	_ ErrorCode = iota
	NoSuchObject
	EntryAlreadyExists
	NotAllowedOnNonleaf
	UnwillingToPerform
	ServerError
)

func (c ErrorCode) String() string {
	switch c {
	case NoSuchObject:
		return "NO_SUCH_OBJECT"
	case EntryAlreadyExists:
		return "ENTRY_ALREADY_EXISTS"
	case NotAllowedOnNonleaf:
		return "NOT_ALLOWED_ON_NONLEAF"
	case UnwillingToPerform:
		return "UNWILLING_TO_PERFORM"
	case ServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// StoreError is the tagged result returned by store operations that fail.
// MatchedDN is populated for NoSuchObject: the deepest ancestor of the
// requested DN that does exist.
type StoreError struct {
	Code      ErrorCode
	MatchedDN dn.DN
	Err       error // wrapped cause, set for ServerError
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

func noSuchObject(matched dn.DN) *StoreError {
	return &StoreError{Code: NoSuchObject, MatchedDN: matched}
}

// HasChildrenStatus is the three-valued result of [Store.HasChildren].
type HasChildrenStatus int

const (
	NoSuchEntry HasChildrenStatus = iota
	False
	True
)

// Scope is an LDAP search scope.
type Scope int

const (
	BaseObject Scope = iota
	SingleLevel
	WholeSubtree
	Subordinates
)

// Store is the in-memory directory tree rooted at Suffix.
type Store struct {
	Suffix   dn.DN
	entries  map[string]*entry.Entry
	children map[string]map[string]struct{}
	// order records parent-before-child insertion order of keys in
	// entries, satisfying invariant I6 for export without a sort.
	order []string
}

// New returns an empty store rooted at suffix.
func New(suffix dn.DN) *Store {
	return &Store{
		Suffix:   suffix,
		entries:  make(map[string]*entry.Entry),
		children: make(map[string]map[string]struct{}),
	}
}

// Clear empties the store. It is used by the bulk loader, which clears
// before inserting the records of a fresh import.
func (s *Store) Clear() {
	s.entries = make(map[string]*entry.Entry)
	s.children = make(map[string]map[string]struct{})
	s.order = nil
}

// GetEntry returns a deep copy of the entry at d, or nil and false if no
// such entry exists.
func (s *Store) GetEntry(d dn.DN) (*entry.Entry, bool) {
	e, ok := s.entries[d.String()]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Exists reports whether an entry exists at d.
func (s *Store) Exists(d dn.DN) bool {
	_, ok := s.entries[d.String()]
	return ok
}

// HasChildren reports whether d has any children. It returns NoSuchEntry
// if d is not in the store.
func (s *Store) HasChildren(d dn.DN) HasChildrenStatus {
	if !s.Exists(d) {
		return NoSuchEntry
	}
	if len(s.children[d.String()]) > 0 {
		return True
	}
	return False
}

// CountSubordinates returns the number of children of d (subtree=false) or
// the total number of descendants of d (subtree=true). It fails with
// NoSuchObject if d is unknown.
func (s *Store) CountSubordinates(d dn.DN, subtree bool) (uint64, error) {
	if !s.Exists(d) {
		return 0, noSuchObject(s.deepestExistingAncestor(d))
	}
	if !subtree {
		return uint64(len(s.children[d.String()])), nil
	}
	var count uint64
	s.walkDescendants(d, func(dn.DN) {
		count++
	})
	return count, nil
}

// deepestExistingAncestor walks up from d (exclusive) returning the
// deepest ancestor DN that is present in the store, for use as the
// matched-DN diagnostic on NoSuchObject. If no ancestor exists it returns
// the root DN.
func (s *Store) deepestExistingAncestor(d dn.DN) dn.DN {
	cur := d
	for {
		parent, ok := cur.Parent()
		if !ok {
			return dn.DN{}
		}
		if s.Exists(parent) {
			return parent
		}
		cur = parent
	}
}

// linkChild records child as an immediate child of parent, creating the
// child set if necessary. Add and AddForImport use it to link a new entry;
// Rename uses it for the moved entry, while the re-keyed descendants of a
// rename get whole child sets installed by relinkChildSet.
func (s *Store) linkChild(parent, child dn.DN) {
	key := parent.String()
	set, ok := s.children[key]
	if !ok {
		set = make(map[string]struct{})
		s.children[key] = set
	}
	set[child.String()] = struct{}{}
}

// unlinkChild removes child from parent's child set, pruning the set
// entirely if it becomes empty. Delete uses it to unlink the deleted entry
// from its parent; deleteSubtree, Rename and rekey remove child sets and
// set members directly.
func (s *Store) unlinkChild(parent, child dn.DN) {
	key := parent.String()
	set, ok := s.children[key]
	if !ok {
		return
	}
	delete(set, child.String())
	if len(set) == 0 {
		delete(s.children, key)
	}
}

// insertEntry inserts e into entries and the order slice. It does not
// touch children; callers link the parent separately.
func (s *Store) insertEntry(e *entry.Entry) {
	key := e.DN.String()
	s.entries[key] = e
	s.order = append(s.order, key)
}

// removeEntry removes the entry keyed by d from entries and order.
func (s *Store) removeEntry(d dn.DN) {
	key := d.String()
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Add inserts e. It fails with EntryAlreadyExists if e.DN is already
// present. If e.DN is the suffix, it is inserted unconditionally
// (bootstrapping the tree); otherwise parent(e.DN) must already exist, or
// Add fails with NoSuchObject carrying the deepest existing ancestor as
// MatchedDN.
func (s *Store) Add(e *entry.Entry) error {
	if s.Exists(e.DN) {
		return &StoreError{Code: EntryAlreadyExists}
	}

	if e.DN.Equal(s.Suffix) {
		s.insertEntry(e.Clone())
		return nil
	}

	parent, ok := e.DN.Parent()
	if !ok || !s.Exists(parent) {
		return noSuchObject(s.deepestExistingAncestor(e.DN))
	}

	s.insertEntry(e.Clone())
	s.linkChild(parent, e.DN)
	return nil
}

// Delete removes dn. It fails with NoSuchObject if dn is unknown. If dn
// has children and allowSubtree is false, it fails with
// NotAllowedOnNonleaf. If dn has children and allowSubtree is true, the
// whole subtree is removed depth-first.
func (s *Store) Delete(d dn.DN, allowSubtree bool) error {
	if !s.Exists(d) {
		return noSuchObject(s.deepestExistingAncestor(d))
	}

	if s.HasChildren(d) == True {
		if !allowSubtree {
			return &StoreError{Code: NotAllowedOnNonleaf}
		}
		s.deleteSubtree(d)
	} else {
		s.removeEntry(d)
	}

	if parent, ok := d.Parent(); ok {
		s.unlinkChild(parent, d)
	}
	return nil
}

// deleteSubtree removes d and every descendant of d, depth first, but
// leaves d's own link in its parent's child set for the caller to remove.
func (s *Store) deleteSubtree(d dn.DN) {
	children := make([]string, 0, len(s.children[d.String()]))
	for c := range s.children[d.String()] {
		children = append(children, c)
	}
	for _, c := range children {
		childEntry := s.entries[c]
		s.deleteSubtree(childEntry.DN)
	}
	delete(s.children, d.String())
	s.removeEntry(d)
}

// walkDescendants invokes fn for every descendant of d (not including d
// itself), depth-first.
func (s *Store) walkDescendants(d dn.DN, fn func(dn.DN)) {
	for c := range s.children[d.String()] {
		childEntry := s.entries[c]
		fn(childEntry.DN)
		s.walkDescendants(childEntry.DN, fn)
	}
}

// Replace swaps the stored entry at entryOld.DN for a deep copy of
// entryNew. entryNew.DN must equal entryOld.DN (renaming is a distinct
// operation, see Rename) and the entry must already exist.
func (s *Store) Replace(entryOld, entryNew *entry.Entry) error {
	if !entryOld.DN.Equal(entryNew.DN) {
		return &StoreError{Code: UnwillingToPerform, Err: fmt.Errorf("replace must not change dn")}
	}
	if !s.Exists(entryOld.DN) {
		return noSuchObject(s.deepestExistingAncestor(entryOld.DN))
	}
	s.entries[entryOld.DN.String()] = entryNew.Clone()
	return nil
}

// Rename moves the entry at currentDN to newEntry.DN, re-rooting its
// entire subtree at the new location. newSuperiorSpecified controls
// whether an old parent left with no remaining children has its (now
// empty) child set pruned: per SPEC_FULL.md / spec.md §9, the source
// behavior being reproduced here prunes only when a new superior was
// given; a same-level rename (newSuperiorSpecified=false) leaves a
// transiently-empty child set in place. This is deliberate, not a bug —
// see the Open Question note in DESIGN.md before "fixing" it.
func (s *Store) Rename(currentDN dn.DN, newEntry *entry.Entry, newSuperiorSpecified bool) error {
	if !s.Exists(currentDN) {
		return noSuchObject(s.deepestExistingAncestor(currentDN))
	}
	newDN := newEntry.DN
	if s.Exists(newDN) {
		return &StoreError{Code: EntryAlreadyExists}
	}
	newParent, ok := newDN.Parent()
	if !ok || !s.Exists(newParent) {
		return noSuchObject(s.deepestExistingAncestor(newDN))
	}

	oldParent, hasOldParent := currentDN.Parent()

	if hasOldParent {
		key := oldParent.String()
		if set, ok := s.children[key]; ok {
			delete(set, currentDN.String())
			if len(set) == 0 && newSuperiorSpecified {
				delete(s.children, key)
			}
		}
	}

	s.linkChild(newParent, newDN)

	children := s.children[currentDN.String()]
	delete(s.children, currentDN.String())

	s.removeEntry(currentDN)
	s.insertEntry(newEntry.Clone())

	if len(children) > 0 {
		s.relinkChildSet(newDN, children, currentDN, newDN)
	}
	for c := range children {
		childEntry := s.entries[c]
		s.rekey(childEntry.DN, currentDN, newDN)
	}

	return nil
}

// rekey replaces a descendant's stored DN (and its children-map entries)
// so that its prefix oldAncestor becomes newAncestor, preserving its
// relative components, recursively covering its whole subtree.
func (s *Store) rekey(d, oldAncestor, newAncestor dn.DN) {
	newD := d.WithAncestor(oldAncestor, newAncestor)

	grandchildren := s.children[d.String()]
	delete(s.children, d.String())

	e := s.entries[d.String()]
	renamed := e.Clone()
	renamed.DN = newD
	s.removeEntry(d)
	s.insertEntry(renamed)

	if len(grandchildren) > 0 {
		s.relinkChildSet(newD, grandchildren, oldAncestor, newAncestor)
	}

	for c := range grandchildren {
		childEntry := s.entries[c]
		s.rekey(childEntry.DN, oldAncestor, newAncestor)
	}
}

// relinkChildSet installs childKeys (DN strings under the old naming) as
// the child set of newParent once they have been (or are about to be)
// rekeyed from oldAncestor to newAncestor.
func (s *Store) relinkChildSet(newParent dn.DN, childKeys map[string]struct{}, oldAncestor, newAncestor dn.DN) {
	set := make(map[string]struct{}, len(childKeys))
	for c := range childKeys {
		childEntry := s.entries[c]
		newChildDN := childEntry.DN.WithAncestor(oldAncestor, newAncestor)
		set[newChildDN.String()] = struct{}{}
	}
	s.children[newParent.String()] = set
}

// Search evaluates filter against entries selected by scope relative to
// base, yielding deep copies of the matches. For BASE_OBJECT, only base
// itself is considered. It fails with NoSuchObject if base is unknown.
func (s *Store) Search(base dn.DN, scope Scope, f filter.Node) (iter.Seq[*entry.Entry], error) {
	if !s.Exists(base) {
		return nil, noSuchObject(s.deepestExistingAncestor(base))
	}

	return func(yield func(*entry.Entry) bool) {
		switch scope {
		case BaseObject:
			e := s.entries[base.String()]
			if f.Match(e) {
				if !yield(e.Clone()) {
					return
				}
			}
		case SingleLevel:
			for c := range s.children[base.String()] {
				e := s.entries[c]
				if f.Match(e) && !yield(e.Clone()) {
					return
				}
			}
		case WholeSubtree:
			e := s.entries[base.String()]
			if f.Match(e) && !yield(e.Clone()) {
				return
			}
			if !s.walkMatching(base, f, yield) {
				return
			}
		case Subordinates:
			s.walkMatching(base, f, yield)
		}
	}, nil
}

// walkMatching yields every descendant of base matching f, depth-first,
// stopping early if yield returns false. It returns false if the walk was
// stopped early.
func (s *Store) walkMatching(base dn.DN, f filter.Node, yield func(*entry.Entry) bool) bool {
	for c := range s.children[base.String()] {
		e := s.entries[c]
		if f.Match(e) && !yield(e.Clone()) {
			return false
		}
		if !s.walkMatching(e.DN, f, yield) {
			return false
		}
	}
	return true
}

// ImportOutcome describes what happened when a single record was offered
// to AddForImport.
type ImportOutcome int

const (
	Inserted ImportOutcome = iota
	Duplicate
	OutOfScope
	MissingParent
)

// AddForImport offers e to the store during a bulk import. Unlike Add, it
// never returns an error: rejections are reported via the returned
// ImportOutcome so the caller can accumulate (read, rejected, ignored)
// counts per SPEC_FULL.md §4.3. The rules, in order: a DN that duplicates
// an already-loaded entry is rejected as Duplicate; a DN that is not the
// suffix and not a descendant of it is rejected as OutOfScope; the suffix
// itself is always inserted; any other DN requires its parent to already
// be present, or it is rejected as MissingParent.
func (s *Store) AddForImport(e *entry.Entry) ImportOutcome {
	if s.Exists(e.DN) {
		return Duplicate
	}
	if e.DN.Equal(s.Suffix) {
		s.insertEntry(e.Clone())
		return Inserted
	}
	if !s.Suffix.IsAncestor(e.DN) {
		return OutOfScope
	}
	parent, ok := e.DN.Parent()
	if !ok || !s.Exists(parent) {
		return MissingParent
	}
	s.insertEntry(e.Clone())
	s.linkChild(parent, e.DN)
	return Inserted
}

// ExportStream yields every entry in the store in an order that respects
// the invariant that parents precede children: insertion order, which the
// store's own mutation operations are built to maintain.
func (s *Store) ExportStream() iter.Seq[*entry.Entry] {
	return func(yield func(*entry.Entry) bool) {
		for _, key := range s.order {
			e := s.entries[key]
			if e == nil {
				continue
			}
			if !yield(e.Clone()) {
				return
			}
		}
	}
}

// Len returns the number of entries currently in the store.
func (s *Store) Len() int {
	return len(s.entries)
}
