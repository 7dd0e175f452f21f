// Package backend implements the facade described in SPEC_FULL.md §4.4: a
// single reader-writer lock guarding an in-memory [store.Store], with every
// mutating operation re-materialising the backing dump file before it
// releases the write lock, exactly as the teacher's DB wraps its
// read-only DIT but generalised to a read-write store.
package backend

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/foxygoat/flapjakd/internal/config"
	"github.com/foxygoat/flapjakd/internal/dn"
	"github.com/foxygoat/flapjakd/internal/dump"
	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/filter"
	"github.com/foxygoat/flapjakd/internal/store"
)

// SupportedControls and SupportedFeatures are the backend's static
// root-DSE advertisement, consumed by internal/ldapfacade's search handler
// the way teacher's handleSearch builds its attrMap.
var (
	SupportedControls = []string{
		"1.2.840.113556.1.4.805", // subtree delete control
	}
	SupportedFeatures = []string{
		"modifyDN",
	}
)

// Backend is the mutable directory backend: a locked store plus the dump
// file it is persisted to. The zero value is not usable; construct with
// [Load].
type Backend struct {
	mu     sync.RWMutex
	cfg    atomic.Pointer[config.Config]
	store  *store.Store
	writer *dump.AtomicWriter
	logger hclog.Logger

	watcher        *fsnotify.Watcher
	externalChange atomic.Bool
}

// Load reads the dump file named by cfg.LdifFile (if it exists) into a new
// store rooted at cfg.BaseDN and returns a ready Backend. A missing dump
// file is not an error: the backend starts empty, matching a fresh
// deployment.
func Load(cfg *config.Config, logger hclog.Logger) (*Backend, error) {
	if logger == nil {
		logger = hclog.Default()
	}
	b := &Backend{
		store: store.New(cfg.BaseDN),
		writer: &dump.AtomicWriter{
			WrapColumn: 76,
			Logger:     logger,
		},
		logger: logger,
	}
	b.cfg.Store(cfg)

	read, rejected, err := b.importFile(cfg.LdifFile)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded dump file", "path", cfg.LdifFile, "read", read, "rejected", rejected)

	if err := b.watchDumpFile(cfg.LdifFile); err != nil {
		logger.Warn("dump: could not watch ldif file for external changes", "path", cfg.LdifFile, "err", err)
	}
	return b, nil
}

// watchDumpFile starts a best-effort fsnotify watch on path's directory,
// flagging externalChange when something other than this backend's own
// atomic rewrite touches the dump file. Failure to establish the watch
// (e.g. an unwatchable filesystem) is not fatal: it only means the
// Reconfigure warning below is unavailable.
func (b *Backend) watchDumpFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close() //nolint:errcheck,gosec // best-effort cleanup after a failed Add
		return err
	}
	b.watcher = w

	base := filepath.Base(path)
	go func() {
		for event := range w.Events {
			if filepath.Base(event.Name) == base {
				b.externalChange.Store(true)
			}
		}
	}()
	return nil
}

// Close stops the dump-file watcher, if one was established.
func (b *Backend) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

// Config returns the backend's current configuration.
func (b *Backend) Config() *config.Config {
	return b.cfg.Load()
}

// Reconfigure swaps the backend's configuration for next, refusing any
// attempt to change the base DN or backing dump file per spec.md §6.
func (b *Backend) Reconfigure(next *config.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.cfg.Load()
	if err := cur.CanReplace(next); err != nil {
		return err
	}
	if b.externalChange.CompareAndSwap(true, false) {
		b.logger.Warn("dump: ldif file was modified outside of flapjakd since last load; reconfiguring over it", "path", cur.LdifFile)
	}
	b.cfg.Store(next)
	return nil
}

// Add inserts e, persisting the new dump file on success.
func (b *Backend) Add(e *entry.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Add(e); err != nil {
		return err
	}
	return b.persist()
}

// Delete removes d, allowing subtree deletion when allowSubtree is true
// (the subtree-delete control per §4.4), persisting on success.
func (b *Backend) Delete(d dn.DN, allowSubtree bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Delete(d, allowSubtree); err != nil {
		return err
	}
	return b.persist()
}

// Replace swaps the entry at entryOld.DN for entryNew, persisting on
// success. It is a content-only modify; renaming goes through Rename.
func (b *Backend) Replace(entryOld, entryNew *entry.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Replace(entryOld, entryNew); err != nil {
		return err
	}
	return b.persist()
}

// Rename moves currentDN to newEntry.DN, persisting on success.
func (b *Backend) Rename(currentDN dn.DN, newEntry *entry.Entry, newSuperiorSpecified bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Rename(currentDN, newEntry, newSuperiorSpecified); err != nil {
		return err
	}
	return b.persist()
}

// Search evaluates f against entries selected by scope relative to base,
// returning matching entries as a slice (the read lock cannot outlive the
// call, so results are materialised rather than streamed lazily).
func (b *Backend) Search(base dn.DN, scope store.Scope, f filter.Node) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seq, err := b.store.Search(base, scope, f)
	if err != nil {
		return nil, err
	}
	var out []*entry.Entry
	for e := range seq {
		out = append(out, e)
	}
	return out, nil
}

// Count returns the number of children (subtree=false) or descendants
// (subtree=true) of d.
func (b *Backend) Count(d dn.DN, subtree bool) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.CountSubordinates(d, subtree)
}

// GetEntry returns a copy of the entry at d, used by bind handling to
// fetch the credentials to authenticate against.
func (b *Backend) GetEntry(d dn.DN) (*entry.Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.GetEntry(d)
}

// Export returns every entry currently in the store, parent before child.
func (b *Backend) Export() []*entry.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*entry.Entry
	for e := range b.store.ExportStream() {
		out = append(out, e)
	}
	return out
}

// ImportOutcome is the read/rejected tally of a bulk import, per
// SPEC_FULL.md §4.3.
type ImportOutcome struct {
	Read     int
	Rejected int
}

// Import replaces the entire store with the contents of path, a dump
// file, persisting the re-materialised dump on success. Records that fail
// to parse or that the store rejects (duplicate, out of scope, missing
// parent) are counted as Rejected and skipped; a non-continuable parse
// error (e.g. an I/O error reading the file) aborts the whole import.
func (b *Backend) Import(path string) (ImportOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	read, rejected, err := b.importFile(path)
	if err != nil {
		return ImportOutcome{}, err
	}
	if err := b.persist(); err != nil {
		return ImportOutcome{}, err
	}
	return ImportOutcome{Read: read, Rejected: rejected}, nil
}

// importFile clears the store and loads path into it, returning
// (read, rejected) counts. Caller must hold the write lock.
func (b *Backend) importFile(path string) (read, rejected int, err error) {
	b.store.Clear()

	r, err := openDumpFile(path)
	if err != nil {
		return 0, 0, &store.StoreError{Code: store.ServerError, Err: err}
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close() //nolint:errcheck,gosec // read-only handle, nothing to recover
	}

	for e, perr := range dump.Read(r) {
		if perr != nil {
			var pe *dump.ParseError
			if errors.As(perr, &pe) && !pe.Continuable {
				return read, rejected, &store.StoreError{Code: store.ServerError, Err: pe}
			}
			b.logger.Warn("import: skipping malformed record", "err", perr)
			rejected++
			continue
		}
		read++
		if outcome := b.store.AddForImport(e); outcome != store.Inserted {
			b.logger.Warn("import: rejecting record", "dn", e.DN.String(), "outcome", importOutcomeString(outcome))
			rejected++
		}
	}
	return read, rejected, nil
}

// openDumpFile opens path for reading, or returns an empty reader if path
// does not yet exist: a fresh deployment has no dump file until its first
// write.
func openDumpFile(path string) (io.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return strings.NewReader(""), nil
		}
		return nil, err
	}
	return f, nil
}

func importOutcomeString(o store.ImportOutcome) string {
	switch o {
	case store.Duplicate:
		return "duplicate"
	case store.OutOfScope:
		return "out_of_scope"
	case store.MissingParent:
		return "missing_parent"
	default:
		return "inserted"
	}
}

// persist re-materialises the dump file from the current store contents.
// Caller must hold the write lock.
func (b *Backend) persist() error {
	entries := make([]*entry.Entry, 0, b.store.Len())
	for e := range b.store.ExportStream() {
		entries = append(entries, e)
	}
	if err := b.writer.Rewrite(b.cfg.Load().LdifFile, entries); err != nil {
		return err
	}
	b.externalChange.Store(false)
	return nil
}
