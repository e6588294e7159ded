package fileio

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rummager/rummager/pkg/errors"
)

func TestOpenMissingNamesProducer(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "lexicon.txt"), "lexicon")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingInput)
	assert.Contains(t, err.Error(), `run stage "lexicon" first`)
}

func TestOpenDecompressesGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := pgzip.NewWriter(f)
	_, err = zw.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := Open(path, "")
	require.NoError(t, err)
	defer r.Close()
	sc := NewScanner(r)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestAtomicFileCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "graph.txt")
	f, err := Create(path)
	require.NoError(t, err)
	_, err = f.WriteString("2\n0 1 1\n")
	require.NoError(t, err)

	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".tmp")
	require.NoError(t, f.Commit())
	assert.Equal(t, int64(8), f.Size())
	assert.Equal(t, path, f.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2\n0 1 1\n", string(data))
	assert.NoFileExists(t, path+".tmp")

	f.Abort()
	assert.FileExists(t, path)
	assert.Error(t, f.Commit())
}

func TestAtomicFileAbortLeavesPreviousVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.txt")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	f, err := Create(path)
	require.NoError(t, err)
	_, err = f.WriteString("new\n")
	require.NoError(t, err)
	f.Abort()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
	assert.NoFileExists(t, path+".tmp")
}

func TestSealedFileStaysHiddenUntilCommit(t *testing.T) {
	dir := t.TempDir()
	committed := filepath.Join(dir, "barrel_0.bin")
	aborted := filepath.Join(dir, "barrel_1.bin")

	a, err := Create(committed)
	require.NoError(t, err)
	_, err = a.WriteString("aaaa")
	require.NoError(t, err)
	require.NoError(t, a.Seal())
	assert.NoFileExists(t, committed)
	assert.FileExists(t, committed+".tmp")
	assert.Equal(t, int64(4), a.Size())

	b, err := Create(aborted)
	require.NoError(t, err)
	_, err = b.WriteString("bb")
	require.NoError(t, err)
	require.NoError(t, b.Seal())
	b.Abort()
	assert.NoFileExists(t, aborted)
	assert.NoFileExists(t, aborted+".tmp")

	require.NoError(t, a.Commit())
	data, err := os.ReadFile(committed)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(data))
	assert.NoFileExists(t, committed+".tmp")
	assert.Error(t, a.Seal())
}

func TestWriteFileCallbackErrorDiscards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	boom := errors.New("boom")
	err := WriteFile(path, func(w *bufio.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}

func TestRequire(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Require(dir, ""))
	err := Require(filepath.Join(dir, "id_map.txt"), "graph")
	assert.ErrorIs(t, err, apperrors.ErrMissingInput)
}

func TestScannerHandlesLongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.txt")
	long := make([]byte, 1<<20)
	for i := range long {
		long[i] = 'a'
	}
	require.NoError(t, os.WriteFile(path, append(long, '\n'), 0o644))
	r, err := Open(path, "")
	require.NoError(t, err)
	defer r.Close()
	sc := NewScanner(r)
	require.True(t, sc.Scan())
	assert.Len(t, sc.Bytes(), 1<<20)
}
