package lexicon

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rummager/rummager/internal/indexer/corpus"
	"github.com/rummager/rummager/internal/indexer/tokenizer"
	apperrors "github.com/rummager/rummager/pkg/errors"
)

const twoDocs = `{"id":"d1","title":"Quantum gravity"}
{"id":"d2","title":"Gravity waves"}
`

func build(t *testing.T, store Store, src string) (*Lexicon, string, Stats) {
	t.Helper()
	reader := corpus.NewReader(corpus.Options{TextFields: []string{"title"}})
	lex := New(store)
	var out bytes.Buffer
	stats, err := NewBuilder(reader, tokenizer.New(tokenizer.Options{}), 1).
		Build(context.Background(), strings.NewReader(src), lex, &out)
	require.NoError(t, err)
	return lex, out.String(), stats
}

func TestBuildWorkedExample(t *testing.T) {
	lex, out, stats := build(t, NewMemoryStore(), twoDocs)

	assert.Equal(t, "1\tquantum\n2\tgravity\n3\twaves\n", out)
	assert.Equal(t, 3, stats.Terms)
	assert.Equal(t, 4, stats.Tokens)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, uint32(3), lex.MaxID())
}

func TestAssignIsFirstSeen(t *testing.T) {
	lex := New(NewMemoryStore())
	for i, term := range []string{"b", "a", "b", "c"} {
		id, isNew, err := lex.Assign(term)
		require.NoError(t, err)
		switch i {
		case 2:
			assert.False(t, isNew)
			assert.Equal(t, uint32(1), id)
		default:
			assert.True(t, isNew)
		}
	}
	id, ok, err := lex.Lookup("c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), id)
	_, ok, err = lex.Lookup("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltStoreMatchesMemoryStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.bolt")
	store, err := OpenBoltStore(path, 2)
	require.NoError(t, err)
	src := twoDocs + `{"id":"d3","title":"dark matter gravity lensing"}` + "\n"

	_, memOut, _ := build(t, NewMemoryStore(), src)
	lex, boltOut, stats := build(t, store, src)
	assert.Equal(t, memOut, boltOut)
	assert.Equal(t, 6, stats.Terms)
	require.NoError(t, lex.Close())

	reopened, err := OpenBoltStore(path, 2)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 6, reopened.Len())
	id, ok, err := reopened.Get("lensing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(6), id)
}

func TestTemporaryBoltStore(t *testing.T) {
	store, err := OpenBoltStore("", 0)
	require.NoError(t, err)
	require.NoError(t, store.Put("term", 1))
	id, ok, err := store.Get("term")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), id)
	require.NoError(t, store.Close())
}

func TestLoadResumesCounter(t *testing.T) {
	lex, err := Load(strings.NewReader("1\tquantum\n2\tgravity\n\n3\twaves\n"), "lexicon.txt", NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, 3, lex.Len())

	id, isNew, err := lex.Assign("lattice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, uint32(4), id)
}

func TestLoadRejectsCorruptLexicon(t *testing.T) {
	cases := map[string]string{
		"no tab":        "1 quantum\n",
		"zero id":       "0\tquantum\n",
		"bad id":        "x\tquantum\n",
		"repeated id":   "1\tquantum\n1\tgravity\n",
		"repeated term": "1\tfoo\n2\tfoo\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(body), "lexicon.txt", NewMemoryStore())
			assert.ErrorIs(t, err, apperrors.ErrFormatViolation)

			bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "lexicon.db"), 16)
			require.NoError(t, err)
			defer bolt.Close()
			_, err = Load(strings.NewReader(body), "lexicon.txt", bolt)
			assert.ErrorIs(t, err, apperrors.ErrFormatViolation)
		})
	}
}
