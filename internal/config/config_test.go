package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_New_RejectsMissingBaseDN(t *testing.T) {
	_, err := New(nil, "/var/lib/flapjakd/dump.ldif", false, false)
	require.ErrorIs(t, err, ErrMissingBaseDN)
}

func Test_New_RejectsMultiValuedBaseDN(t *testing.T) {
	_, err := New([]string{"dc=example,dc=com", "dc=other,dc=com"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.ErrorIs(t, err, ErrMultiValuedBaseDN)
}

func Test_New_RejectsMissingLdifFile(t *testing.T) {
	_, err := New([]string{"dc=example,dc=com"}, "", false, false)
	require.ErrorIs(t, err, ErrMissingLdifFile)
}

func Test_New_RejectsInvalidBaseDN(t *testing.T) {
	_, err := New([]string{"not a dn !!"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.ErrorIs(t, err, ErrInvalidBaseDN)
}

func Test_New_Valid(t *testing.T) {
	c, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/dump.ldif", true, false)
	require.NoError(t, err)
	require.Equal(t, "dc=example,dc=com", c.BaseDN.String())
	require.True(t, c.IsPrivateBackend)
}

func Test_CanReplace_RejectsBaseDNChange(t *testing.T) {
	c, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.NoError(t, err)
	next, err := New([]string{"dc=other,dc=com"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.NoError(t, err)
	require.ErrorIs(t, c.CanReplace(next), ErrLdifFileImmutable)
}

func Test_CanReplace_RejectsLdifFileChange(t *testing.T) {
	c, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.NoError(t, err)
	next, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/other.ldif", false, false)
	require.NoError(t, err)
	require.ErrorIs(t, c.CanReplace(next), ErrLdifFileImmutable)
}

func Test_CanReplace_AllowsPrivateAndFairnessChange(t *testing.T) {
	c, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/dump.ldif", false, false)
	require.NoError(t, err)
	next, err := New([]string{"dc=example,dc=com"}, "/var/lib/flapjakd/dump.ldif", true, true)
	require.NoError(t, err)
	require.NoError(t, c.CanReplace(next))
}
