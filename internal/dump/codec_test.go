package dump

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxygoat/flapjakd/internal/entry"
)

func mustEntry(t *testing.T, dnstr string, attrs map[string]string) *entry.Entry {
	t.Helper()
	m := map[string]any{"dn": dnstr, "objectClass": "top"}
	for k, v := range attrs {
		m[k] = v
	}
	e, err := entry.NewFromMap(m)
	require.NoError(t, err)
	return e
}

func Test_WriteRead_RoundTrip(t *testing.T) {
	entries := []*entry.Entry{
		mustEntry(t, "dc=example,dc=com", nil),
		mustEntry(t, "ou=people,dc=example,dc=com", map[string]string{"description": "a reasonably long description value that should exercise line wrapping behavior"}),
		mustEntry(t, "cn=binary,ou=people,dc=example,dc=com", map[string]string{"jpegPhoto": "not\x00printable"}),
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, slices.Values(entries), 76))

	var got []*entry.Entry
	for e, err := range Read(&buf) {
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, len(entries))

	for i, want := range entries {
		require.Equal(t, want.DN.String(), got[i].DN.String())
		for name, attr := range want.Attrs {
			gotAttr, ok := got[i].GetAttr(name)
			require.True(t, ok, "missing attribute %s", name)
			require.Equal(t, attr.Vals, gotAttr.Vals)
		}
	}
}

func Test_Write_NoWrap(t *testing.T) {
	entries := []*entry.Entry{mustEntry(t, "dc=example,dc=com", nil)}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, slices.Values(entries), 0))
	require.NotContains(t, buf.String(), "\n ")
}

func Test_Read_BlankLineSeparatesRecords(t *testing.T) {
	in := "dn: dc=example,dc=com\nobjectClass: top\n\ndn: ou=people,dc=example,dc=com\nobjectClass: top\n"
	var got []*entry.Entry
	for e, err := range Read(strings.NewReader(in)) {
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 2)
	require.Equal(t, "dc=example,dc=com", got[0].DN.String())
	require.Equal(t, "ou=people,dc=example,dc=com", got[1].DN.String())
}

func Test_Read_ContinuationLine(t *testing.T) {
	in := "dn: dc=example,dc=com\ndescription: part one\n part two\n"
	var got []*entry.Entry
	for e, err := range Read(strings.NewReader(in)) {
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 1)
	a, ok := got[0].GetAttr("description")
	require.True(t, ok)
	require.Equal(t, []string{"part onepart two"}, a.Vals)
}

func Test_Read_MalformedRecordIsContinuable(t *testing.T) {
	in := "garbage no colon\n\ndn: dc=example,dc=com\nobjectClass: top\n"
	var entries []*entry.Entry
	var errs []error
	for e, err := range Read(strings.NewReader(in)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	require.Len(t, errs, 1)
	var perr *ParseError
	require.True(t, errors.As(errs[0], &perr))
	require.True(t, perr.Continuable)
	require.Len(t, entries, 1)
}

func Test_Read_InvalidBase64DN(t *testing.T) {
	in := "dn:: not-valid-base64!!\nobjectClass: top\n"
	for _, err := range Read(strings.NewReader(in)) {
		require.Error(t, err)
		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		require.True(t, perr.Continuable)
	}
}
