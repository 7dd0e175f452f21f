package dump

import (
	"fmt"
	"os"
	"slices"

	"github.com/hashicorp/go-hclog"

	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/store"
)

// AtomicWriter rewrites a dump file using a temp-then-rename protocol so a
// reader never observes a partially-written file, and a crash mid-write
// never destroys the previous good copy.
type AtomicWriter struct {
	// WrapColumn is passed through to [Write]; 0 disables line wrapping.
	WrapColumn int
	// Logger receives Warn-level messages for best-effort steps that
	// failed but did not abort the rewrite. Defaults to hclog.Default()
	// when nil.
	Logger hclog.Logger
}

// Rewrite replaces the file at path with entries, encoded as a dump. The
// protocol is:
//  1. write the new content to path+".new"
//  2. best-effort remove path+".old" (stale leftover from a prior rewrite)
//  3. best-effort rename path to path+".old" (preserve the prior good copy)
//  4. rename path+".new" to path, committing the new content
//
// Steps 2 and 3 are logged and ignored on failure; a failure in step 1 or
// step 4 is fatal and returned as a *store.StoreError with Code
// store.ServerError.
func (w *AtomicWriter) Rewrite(path string, entries []*entry.Entry) error {
	logger := w.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	newPath := path + ".new"
	oldPath := path + ".old"

	f, err := os.Create(newPath)
	if err != nil {
		return serverError("create %s: %w", newPath, err)
	}
	if err := Write(f, slices.Values(entries), w.WrapColumn); err != nil {
		f.Close() //nolint:errcheck,gosec // already returning the write error
		return serverError("write %s: %w", newPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck,gosec // already returning the sync error
		return serverError("sync %s: %w", newPath, err)
	}
	if err := f.Close(); err != nil {
		return serverError("close %s: %w", newPath, err)
	}

	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("dump: failed to remove stale backup", "path", oldPath, "err", err)
	}

	if err := os.Rename(path, oldPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("dump: failed to preserve previous dump as backup", "path", path, "err", err)
	}

	if err := os.Rename(newPath, path); err != nil {
		return serverError("commit rename %s -> %s: %w", newPath, path, err)
	}

	return nil
}

func serverError(format string, args ...any) error {
	return &store.StoreError{Code: store.ServerError, Err: fmt.Errorf(format, args...)}
}
