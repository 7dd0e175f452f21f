package dump

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/store"
)

func Test_AtomicWriter_Rewrite_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.ldif")
	entries := []*entry.Entry{mustEntry(t, "dc=example,dc=com", nil)}

	w := &AtomicWriter{}
	require.NoError(t, w.Rewrite(path, entries))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(got), "dn: dc=example,dc=com")
	_, err = os.Stat(path + ".new")
	require.True(t, os.IsNotExist(err))

	more := []*entry.Entry{mustEntry(t, "ou=people,dc=example,dc=com", nil)}
	require.NoError(t, w.Rewrite(path, more))

	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(got), "ou=people")

	backup, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	require.Contains(t, string(backup), "dc=example,dc=com")
}

// Test_AtomicWriter_Rewrite_CommitFailure reproduces scenario 6: the final
// commit rename fails because the destination path is an existing
// non-empty directory, which os.Rename refuses to replace. A non-empty
// directory also occupies the ".old" path, so the best-effort steps 2 and 3
// cannot move the destination out of the way first. Rewrite must surface
// this as a server-error StoreError rather than silently succeeding or
// panicking.
func Test_AtomicWriter_Rewrite_CommitFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.ldif")
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "occupied"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(path+".old", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path+".old", "occupied"), []byte("x"), 0o644))

	w := &AtomicWriter{}
	err := w.Rewrite(path, []*entry.Entry{mustEntry(t, "dc=example,dc=com", nil)})
	require.Error(t, err)

	var serr *store.StoreError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, store.ServerError, serr.Code)

	_, statErr := os.Stat(path + ".new")
	require.NoError(t, statErr, "the fully-written .new file is left in place for inspection when the commit rename fails")
}

// Test_AtomicWriter_Rewrite_LogsBestEffortBackupFailure exercises the
// best-effort logging path: the previous-copy preservation rename fails
// because a non-empty directory already occupies the ".old" path, but the
// overall Rewrite still succeeds and the failure is logged, not returned.
func Test_AtomicWriter_Rewrite_LogsBestEffortBackupFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.ldif")
	require.NoError(t, os.WriteFile(path, []byte("dn: dc=old,dc=com\n"), 0o644))
	require.NoError(t, os.Mkdir(path+".old", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path+".old", "occupied"), []byte("x"), 0o644))

	var logged testLogSink
	logger := hclog.New(&hclog.LoggerOptions{Output: &logged})
	w := &AtomicWriter{Logger: logger}

	err := w.Rewrite(path, []*entry.Entry{mustEntry(t, "dc=example,dc=com", nil)})
	require.NoError(t, err)
	require.Contains(t, logged.String(), "failed to preserve previous dump as backup")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(got), "dc=example,dc=com")
}

type testLogSink struct{ buf []byte }

func (s *testLogSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *testLogSink) String() string { return string(s.buf) }
