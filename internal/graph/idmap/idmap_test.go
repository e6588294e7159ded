package idmap

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rummager/rummager/pkg/errors"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		raw, want string
	}{
		{"0704.0001", "0704.0001"},
		{"arXiv:0704.0001v2", "0704.0001"},
		{"  arXiv:hep-th/9901001v10 ", "hep-th/9901001"},
		{"arXiv:arXiv:0704.0001v1v2", "0704.0001"},
		{"v2", "v2"},
		{"solve", "solve"},
		{"p1v", "p1v"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Canonicalize(tc.raw), "raw %q", tc.raw)
	}
}

func TestCanonicalIsIdempotent(t *testing.T) {
	for _, raw := range []string{"arXiv:0704.0001v2", "arXiv: 1234.5678v3v4", "x v1"} {
		once := Canonicalize(raw)
		assert.Equal(t, once, Canonicalize(once), "raw %q", raw)
	}
}

func TestCustomPrefixes(t *testing.T) {
	c := NewCanonicalizer([]string{"doi:", "arXiv:"})
	assert.Equal(t, "10.1000/182", c.Canonical("doi:10.1000/182"))
	assert.Equal(t, "arXiv:0704.0001", NewCanonicalizer([]string{}).Canonical("arXiv:0704.0001v1"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0704.0001"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("two words"))
	assert.False(t, Valid("tab\there"))
}

func TestBuildWorkedExample(t *testing.T) {
	table, stats, err := NewBuilder(nil).Build(context.Background(), strings.NewReader(`{"p1":["p2"],"p2":[]}`+"\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = table.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "p1 0\np2 1\n", buf.String())
	assert.Equal(t, 2, stats.IDs)
	assert.Equal(t, 1, stats.Records)
}

func TestBuildCollectsTargetsAndVersions(t *testing.T) {
	input := `{"arXiv:b1v2":["a1","c1v1"]}` + "\n" +
		`{"c1":["b1"]}` + "\n" +
		`{"bad id":["a1"]}` + "\n" +
		"garbage\n"
	table, stats, err := NewBuilder(nil).Build(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 3, table.Len())
	for i, want := range []string{"a1", "b1", "c1"} {
		got, ok := table.Canonical(uint32(i))
		require.True(t, ok)
		assert.Equal(t, want, got)
		id, ok := table.ID(want)
		require.True(t, ok)
		assert.Equal(t, uint32(i), id)
	}
	assert.Equal(t, 1, stats.Invalid)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, stats.Skipped())
}

func TestBuildIsOrderIndependent(t *testing.T) {
	a, _, err := NewBuilder(nil).Build(context.Background(), strings.NewReader("{\"x\":[\"y\"]}\n{\"z\":[]}\n"))
	require.NoError(t, err)
	b, _, err := NewBuilder(nil).Build(context.Background(), strings.NewReader("{\"z\":[]}\n{\"x\":[\"y\"]}\n"))
	require.NoError(t, err)

	var wa, wb bytes.Buffer
	_, err = a.WriteTo(&wa)
	require.NoError(t, err)
	_, err = b.WriteTo(&wb)
	require.NoError(t, err)
	assert.Equal(t, wa.String(), wb.String())
}

func TestEmptyTable(t *testing.T) {
	table := NewTable(nil)
	_, ok := table.MaxID()
	assert.False(t, ok)
	_, ok = table.Canonical(0)
	assert.False(t, ok)
}

func TestReadRoundTrip(t *testing.T) {
	table := NewTable([]string{"c", "a", "b", "a"})
	var buf bytes.Buffer
	_, err := table.WriteTo(&buf)
	require.NoError(t, err)

	back, err := Read(&buf, "id_map.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, back.Len())
	max, ok := back.MaxID()
	require.True(t, ok)
	assert.Equal(t, uint32(2), max)
	var seen []string
	require.NoError(t, back.Each(func(c string, d uint32) error {
		seen = append(seen, c)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestReadRejectsCorruptMaps(t *testing.T) {
	cases := map[string]string{
		"missing field":   "a 0\nb\n",
		"bad dense id":    "a 0\nb one\n",
		"duplicate id":    "a 0\nb 0\n",
		"gap":             "a 0\nb 2\n",
		"canonical twice": "a 0\na 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(body), "id_map.txt")
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrFormatViolation)
		})
	}
}

func TestScanReportsLineOffset(t *testing.T) {
	_, err := Scan(strings.NewReader("a 0\nbroken\n"), "id_map.txt", func(string, uint32) error { return nil })
	var fe *apperrors.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(4), fe.Offset)
	assert.Equal(t, "id_map.txt", fe.Path)
}
