package generator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-jsonnet"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, jsonnetSrc string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "template.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(jsonnetSrc), 0o644))
	return path
}

const flatTemplate = `
{
  count: 3,
  dn: "cn=user-{{i}},ou=people,{{base}}",
  attrs: { objectClass: "person", cn: "user-{{i}}" },
}
`

func Test_Generator_FlatCount(t *testing.T) {
	path := writeTemplate(t, flatTemplate)
	vm := jsonnet.MakeVM()

	g, err := New(vm, path, Config{Constants: map[string]string{"base": "dc=example,dc=com"}})
	require.NoError(t, err)

	var dns []string
	for g.HasNext() {
		dns = append(dns, g.Next().DN.String())
	}
	require.Equal(t, []string{
		"cn=user-0,ou=people,dc=example,dc=com",
		"cn=user-1,ou=people,dc=example,dc=com",
		"cn=user-2,ou=people,dc=example,dc=com",
	}, dns)
	require.Empty(t, g.Warnings())
}

const nestedTemplate = `
{
  count: 1,
  dn: "{{base}}",
  attrs: { objectClass: "domain" },
  children: [
    {
      count: 2,
      dn: "ou=group-{{i}},{{parent}}",
      attrs: { objectClass: "organizationalUnit" },
    },
  ],
}
`

func Test_Generator_NestedBranches(t *testing.T) {
	path := writeTemplate(t, nestedTemplate)
	vm := jsonnet.MakeVM()

	g, err := New(vm, path, Config{
		Constants:             map[string]string{"base": "dc=example,dc=com"},
		GenerateBranchEntries: true,
	})
	require.NoError(t, err)

	var dns []string
	for g.HasNext() {
		dns = append(dns, g.Next().DN.String())
	}
	require.Equal(t, []string{
		"dc=example,dc=com",
		"ou=group-0,dc=example,dc=com",
		"ou=group-1,dc=example,dc=com",
	}, dns)
}

func Test_Generator_DeterministicUUIDAcrossRuns(t *testing.T) {
	src := `{count: 1, dn: "cn={{uuid}},{{base}}", attrs: {objectClass: "person"}}`
	path := writeTemplate(t, src)

	run := func() string {
		g, err := New(jsonnet.MakeVM(), path, Config{Seed: 42, Constants: map[string]string{"base": "dc=example,dc=com"}})
		require.NoError(t, err)
		require.True(t, g.HasNext())
		return g.Next().DN.String()
	}

	require.Equal(t, run(), run())
}

func Test_Generator_Next_PanicsWhenExhausted(t *testing.T) {
	src := `{count: 1, dn: "cn=a,{{base}}", attrs: {objectClass: "person"}}`
	path := writeTemplate(t, src)
	g, err := New(jsonnet.MakeVM(), path, Config{Constants: map[string]string{"base": "dc=example,dc=com"}})
	require.NoError(t, err)

	require.True(t, g.HasNext())
	g.Next()
	require.False(t, g.HasNext())
	require.Panics(t, func() { g.Next() })
}

// Test_Generator_New_DoesNotExpand asserts New() only parses the template
// and seeds a single root frame: it must not walk the tree or populate any
// warnings before HasNext/Next is ever called. A huge count here would
// make an eager expand() take a very long time and allocate the whole
// hierarchy up front; against this lazy implementation New returns
// instantly with exactly one frame on the stack.
func Test_Generator_New_DoesNotExpand(t *testing.T) {
	src := `{count: 1000000000, dn: "cn=user-{{i}}{{missing}},dc=example,dc=com", attrs: {objectClass: "person"}}`
	path := writeTemplate(t, src)
	g, err := New(jsonnet.MakeVM(), path, Config{})
	require.NoError(t, err)

	require.Len(t, g.stack, 1, "New must seed a single root frame, not expand the whole tree")
	require.Nil(t, g.pending)
	require.Empty(t, g.Warnings(), "New must not substitute anything, so no warnings are recorded yet")

	require.True(t, g.HasNext())
	require.Len(t, g.stack, 1, "a flat template keeps a single frame on the stack across siblings")
	require.Len(t, g.Warnings(), 1, "the first Next's worth of work should have run, and no more")

	_ = g.Next()
	require.Len(t, g.Warnings(), 1, "warnings must only grow as entries are pulled, not all at once")

	require.True(t, g.HasNext())
	require.Len(t, g.Warnings(), 2, "pulling a second entry must trigger its own substitution, not reuse cached state")
}

func Test_Generator_UnresolvedPlaceholderWarns(t *testing.T) {
	src := `{count: 1, dn: "cn=a{{missing}},dc=example,dc=com", attrs: {objectClass: "person"}}`
	path := writeTemplate(t, src)
	g, err := New(jsonnet.MakeVM(), path, Config{})
	require.NoError(t, err)
	require.True(t, g.HasNext())
	_ = g.Next()
	require.NotEmpty(t, g.Warnings())
}
