package dn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func MustNew(t *testing.T, dnstr string) DN {
	t.Helper()
	d, err := New(dnstr)
	require.NoError(t, err)
	return d
}

func Test_RDN(t *testing.T) {
	rdn1 := RDN{Name: "dc", Value: "example"}
	rdn2 := RDN{Name: "DC", Value: "example"}
	rdn3 := RDN{Name: "Dc", Value: "example2"}
	rdn4 := RDN{Name: "ou", Value: "core"}

	require.True(t, rdn1.Equal(rdn1))
	require.True(t, rdn2.Equal(rdn2))
	require.False(t, rdn1.Equal(rdn3))
	require.False(t, rdn1.Equal(rdn4))

	require.Equal(t, -1, rdn1.Compare(rdn3))
	require.Equal(t, 1, rdn3.Compare(rdn2))
	require.Equal(t, 0, rdn1.Compare(rdn1))
	require.Equal(t, 0, rdn1.Compare(rdn2))
	require.Equal(t, -1, rdn1.Compare(rdn4))
	require.Equal(t, 1, rdn4.Compare(rdn1))
}

func Test_DN(t *testing.T) {
	dn1, err := New("dc=example, dc = com")
	require.NoError(t, err)
	require.Equal(t, DN{RDN{"dc", "com"}, RDN{"dc", "example"}}, dn1)
	require.True(t, dn1.IsAncestor(dn1))
	require.Equal(t, "dc=example,dc=com", dn1.String())

	dn2, err := New("o=example,dc=example,dc=com")
	require.NoError(t, err)
	require.Equal(t, DN{RDN{"dc", "com"}, RDN{"dc", "example"}, RDN{"o", "example"}}, dn2)
	require.True(t, dn1.IsAncestor(dn2), "%s should be an ancestor of %s", dn1, dn2)

	dn3, err := New("")
	require.NoError(t, err)
	require.Equal(t, DN{}, dn3)
	require.True(t, dn3.IsAncestor(dn1), "root should be an ancestor of %s", dn1)

	dn4, err := New("DC=example,Dc=com")
	require.NoError(t, err)
	require.True(t, dn1.Equal(dn4))

	dn5, err := New(" \t\n")
	require.NoError(t, err)
	require.True(t, dn5.IsEmpty())
}

func Test_DN_Parent(t *testing.T) {
	root := MustNew(t, "")
	_, ok := root.Parent()
	require.False(t, ok)

	child := MustNew(t, "ou=people,dc=example,dc=com")
	parent, ok := child.Parent()
	require.True(t, ok)
	require.True(t, parent.Equal(MustNew(t, "dc=example,dc=com")))
	require.Equal(t, RDN{"ou", "people"}, child.RDN())
}

func Test_DN_Child(t *testing.T) {
	parent := MustNew(t, "ou=people,dc=example,dc=com")
	child := parent.Child(RDN{"uid", "alice"})
	require.True(t, child.Equal(MustNew(t, "uid=alice,ou=people,dc=example,dc=com")))
}

func Test_DN_WithAncestor(t *testing.T) {
	oldDN := MustNew(t, "cn=a,ou=p,dc=x")
	oldParent := MustNew(t, "ou=p,dc=x")
	newParent := MustNew(t, "ou=q,dc=x")

	got := oldDN.WithAncestor(oldParent, newParent)
	require.True(t, got.Equal(MustNew(t, "cn=a,ou=q,dc=x")), "got %s", got)
}

func Test_DN_CommonAncestorAndTail(t *testing.T) {
	a := MustNew(t, "uid=alice,ou=people,dc=example,dc=com")
	b := MustNew(t, "uid=bob,ou=groups,dc=example,dc=com")

	common := a.CommonAncestor(b)
	require.True(t, common.Equal(MustNew(t, "dc=example,dc=com")))

	tail := a.Tail(common)
	require.True(t, tail.Equal(DN{RDN{"ou", "people"}, RDN{"uid", "alice"}}))
}
