package index

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rummager/rummager/internal/indexer/corpus"
	"github.com/rummager/rummager/internal/indexer/lexicon"
	"github.com/rummager/rummager/internal/indexer/tokenizer"
	apperrors "github.com/rummager/rummager/pkg/errors"
)

const twoDocs = `{"id":"d1","title":"Quantum gravity"}
{"id":"d2","title":"Gravity waves"}
`

func buildLexicon(t *testing.T, src string) *lexicon.Lexicon {
	t.Helper()
	reader := corpus.NewReader(corpus.Options{TextFields: []string{"title"}})
	lex := lexicon.New(lexicon.NewMemoryStore())
	var out bytes.Buffer
	_, err := lexicon.NewBuilder(reader, tokenizer.New(tokenizer.Options{}), 0).
		Build(context.Background(), strings.NewReader(src), lex, &out)
	require.NoError(t, err)
	return lex
}

func buildForward(t *testing.T, src string) (string, string, []ForwardEntry) {
	t.Helper()
	lex := buildLexicon(t, src)
	reader := corpus.NewReader(corpus.Options{TextFields: []string{"title"}})
	fb := NewForwardBuilder(reader, tokenizer.New(tokenizer.Options{}), 0)
	var out, lengths bytes.Buffer
	var entries []ForwardEntry
	_, err := fb.Build(context.Background(), strings.NewReader(src), lex, &out, &lengths, func(e ForwardEntry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	return out.String(), lengths.String(), entries
}

func TestForwardWorkedExample(t *testing.T) {
	out, lengths, entries := buildForward(t, twoDocs)

	assert.Equal(t, "d1\t1:0,2:1\nd2\t2:0,3:1\n", out)
	assert.Equal(t, "d1\t2\nd2\t2\n", lengths)
	require.Len(t, entries, 2)
	assert.Equal(t, []Occurrence{{TermID: 1, Position: 0}, {TermID: 2, Position: 1}}, entries[0].Terms)
}

func TestForwardSkipsUnknownTokensWithoutConsumingPositions(t *testing.T) {
	lex := lexicon.New(lexicon.NewMemoryStore())
	_, _, err := lex.Assign("gravity")
	require.NoError(t, err)

	fb := NewForwardBuilder(corpus.NewReader(corpus.Options{TextFields: []string{"title"}}), tokenizer.New(tokenizer.Options{}), 0)
	entry, tokens, err := fb.Entry(corpus.Document{Key: "d", Text: "quantum gravity waves gravity"}, lex)
	require.NoError(t, err)

	assert.Equal(t, 4, tokens)
	assert.Equal(t, []Occurrence{{TermID: 1, Position: 0}, {TermID: 1, Position: 1}}, entry.Terms)
}

func TestForwardEmptyDocumentStillWritten(t *testing.T) {
	src := twoDocs + `{"id":"d3","title":"the of and"}` + "\n"
	out, lengths, _ := buildForward(t, src)

	assert.True(t, strings.HasSuffix(out, "d3\t\n"))
	assert.True(t, strings.HasSuffix(lengths, "d3\t0\n"))
}

func TestForwardPositionsStrictlyIncreasing(t *testing.T) {
	src := `{"id":"a","title":"alpha beta gamma alpha delta beta"}
{"id":"b","title":"gamma gamma gamma"}
`
	_, _, entries := buildForward(t, src)
	for _, e := range entries {
		for i, o := range e.Terms {
			assert.Equal(t, uint32(i), o.Position, "doc %s", e.DocKey)
		}
	}
}

func TestReadForwardRoundTrip(t *testing.T) {
	out, _, entries := buildForward(t, twoDocs+`{"id":"d3","title":"of"}`+"\n")

	var got []ForwardEntry
	n, err := ReadForward(context.Background(), strings.NewReader(out), "forward_index.txt", func(e ForwardEntry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, got, 3)
	for i := range entries {
		assert.Equal(t, entries[i].DocKey, got[i].DocKey)
		assert.ElementsMatch(t, entries[i].Terms, got[i].Terms)
	}
	assert.Empty(t, got[2].Terms)
}

func TestReadForwardRejectsGarbage(t *testing.T) {
	_, err := ReadForward(context.Background(), strings.NewReader("d1\t1:0\nd2\t1-0\n"), "fwd", func(ForwardEntry) error { return nil })
	require.Error(t, err)

	var fe *apperrors.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(7), fe.Offset)
	assert.ErrorIs(t, err, apperrors.ErrFormatViolation)
}

func invert(t *testing.T, entries []ForwardEntry, threshold int64) string {
	t.Helper()
	inv := NewInverter(InverterOptions{SpillThreshold: threshold, SpillDir: t.TempDir()})
	defer inv.Close()
	for _, e := range entries {
		require.NoError(t, inv.Add(e))
	}
	var out bytes.Buffer
	_, err := WriteInverted(context.Background(), inv, &out)
	require.NoError(t, err)
	return out.String()
}

func TestInvertedWorkedExample(t *testing.T) {
	_, _, entries := buildForward(t, twoDocs)
	out := invert(t, entries, 0)

	assert.Equal(t, "1\td1:0\n2\td1:1;d2:0\n3\td2:1\n", out)
}

func TestInvertedKeepsDocumentOrder(t *testing.T) {
	entries := []ForwardEntry{
		{DocKey: "zeta", Terms: []Occurrence{{5, 0}}},
		{DocKey: "alpha", Terms: []Occurrence{{5, 0}, {5, 1}}},
		{DocKey: "mid", Terms: []Occurrence{{2, 0}, {5, 1}}},
	}
	out := invert(t, entries, 0)

	assert.Equal(t, "2\tmid:0\n5\tzeta:0;alpha:0,1;mid:1\n", out)
}

func TestInvertedCoalescesRepeatedKeys(t *testing.T) {
	entries := []ForwardEntry{
		{DocKey: "a", Terms: []Occurrence{{1, 0}}},
		{DocKey: "b", Terms: []Occurrence{{1, 0}}},
		{DocKey: "a", Terms: []Occurrence{{1, 0}, {1, 1}}},
	}
	assert.Equal(t, "1\ta:0,0,1;b:0\n", invert(t, entries, 0))
	assert.Equal(t, "1\ta:0,0,1;b:0\n", invert(t, entries, 1))
}

func syntheticEntries(docs int) []ForwardEntry {
	entries := make([]ForwardEntry, 0, docs)
	for d := 0; d < docs; d++ {
		e := ForwardEntry{DocKey: fmt.Sprintf("doc-%03d", (d*37)%docs)}
		for p := 0; p < 1+d%7; p++ {
			e.Terms = append(e.Terms, Occurrence{TermID: uint32(1 + (d*p+p)%23), Position: uint32(p)})
		}
		entries = append(entries, e)
	}
	return entries
}

func TestSpilledInversionMatchesInMemory(t *testing.T) {
	entries := syntheticEntries(200)
	want := invert(t, entries, 0)

	for _, threshold := range []int64{1, 256, 4096} {
		t.Run(fmt.Sprintf("threshold_%d", threshold), func(t *testing.T) {
			assert.Equal(t, want, invert(t, entries, threshold))
		})
	}
}

func TestInverterReportsRuns(t *testing.T) {
	inv := NewInverter(InverterOptions{SpillThreshold: 1, SpillDir: t.TempDir()})
	defer inv.Close()
	spilled := 0
	inv.OnSpill(func(string, int64) { spilled++ })
	for _, e := range syntheticEntries(10) {
		require.NoError(t, inv.Add(e))
	}
	stats, err := inv.Each(context.Background(), func(TermPostings) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Runs)
	assert.Equal(t, 10, spilled)
	assert.Equal(t, 10, stats.Documents)
}

func TestReadInvertedRoundTrip(t *testing.T) {
	text := "1\td1:0\n2\td1:1;d2:0\n7\tarXiv:1234:3,9\n"
	var got []TermPostings
	n, err := ReadInverted(context.Background(), strings.NewReader(text), "inv", func(tp TermPostings) error {
		got = append(got, tp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	positions, ok := got[2].Docs.Get("arXiv:1234")
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 9}, positions)
	assert.Equal(t, []string{"d1", "d2"}, got[1].Docs.Keys())

	var buf []byte
	for _, tp := range got {
		buf = AppendInvertedLine(buf, tp)
	}
	assert.Equal(t, text, string(buf))
}

func TestReadInvertedRejectsOutOfOrderTerms(t *testing.T) {
	_, err := ReadInverted(context.Background(), strings.NewReader("2\ta:0\n1\tb:0\n"), "inv", func(TermPostings) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrFormatViolation)
}

func TestDocPostingsSwitchesToIndex(t *testing.T) {
	d := NewDocPostings()
	for i := 0; i < 20; i++ {
		d.Append(fmt.Sprintf("k%d", i), uint32(i))
	}
	d.Append("k3", 99)

	assert.Equal(t, 20, d.Len())
	p, ok := d.Get("k3")
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 99}, p)
	key, _ := d.At(19)
	assert.Equal(t, "k19", key)
}
