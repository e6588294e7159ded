// Package barrel shards the inverted index into fixed-width binary files.
// Each barrel holds a contiguous TermID range; every record is
//
//	u32 TermID, u32 PostingCount, PostingCount × (u32 DocID, u32 Frequency)
//
// in little-endian order. Barrel files carry no header. The schema, the
// shard width and per-file checksums live in manifest.json beside them.
package barrel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

const (
	FormatVersion = 1
	FieldWidth    = 4
	// RecordHeaderSize is the size of TermID plus PostingCount.
	RecordHeaderSize = 2 * FieldWidth
	// PostingSize is the size of one (DocID, Frequency) pair.
	PostingSize = 2 * FieldWidth

	ManifestName = "manifest.json"
)

// Schema describes the binary layout so that readers can refuse files they
// do not understand.
type Schema struct {
	Version    int    `json:"version"`
	ByteOrder  string `json:"byte_order"`
	FieldWidth int    `json:"field_width"`
}

// CurrentSchema is the layout written by this package.
var CurrentSchema = Schema{Version: FormatVersion, ByteOrder: "little", FieldWidth: FieldWidth}

// FileInfo summarises one barrel file.
type FileInfo struct {
	Name      string `json:"name"`
	Barrel    uint32 `json:"barrel"`
	FirstTerm uint32 `json:"first_term"`
	LastTerm  uint32 `json:"last_term"`
	Records   int    `json:"records"`
	Postings  int    `json:"postings"`
	Bytes     int64  `json:"bytes"`
	CRC32     uint32 `json:"crc32"`
}

// Manifest is the sidecar written next to the barrels.
type Manifest struct {
	Schema         Schema     `json:"schema"`
	TermsPerBarrel uint32     `json:"terms_per_barrel"`
	DocIDs         string     `json:"doc_ids"`
	Files          []FileInfo `json:"files"`
}

// Records returns the total record count across files.
func (m *Manifest) Records() int {
	n := 0
	for _, f := range m.Files {
		n += f.Records
	}
	return n
}

func writeManifest(dir string, m *Manifest) error {
	return fileio.WriteFile(filepath.Join(dir, ManifestName), func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encoding barrel manifest: %w", err)
		}
		return nil
	})
}

// ReadManifest loads and checks the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.MissingInput(path, "barrels")
		}
		return nil, fmt.Errorf("reading barrel manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.NewFormatError(path, 0, fmt.Errorf("decoding manifest: %w", err))
	}
	if m.Schema != CurrentSchema {
		return nil, apperrors.NewFormatError(path, 0,
			fmt.Errorf("unsupported barrel schema %+v (want %+v)", m.Schema, CurrentSchema))
	}
	if m.TermsPerBarrel == 0 {
		return nil, apperrors.NewFormatError(path, 0, fmt.Errorf("terms_per_barrel is zero"))
	}
	return &m, nil
}
