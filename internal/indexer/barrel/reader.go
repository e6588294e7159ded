package barrel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Decode reads records from r until EOF, calling fn for each. path is used
// in errors. A record cut short, or a TermID not above its predecessor, is
// a format violation reported at the offset where decoding stopped.
func Decode(r io.Reader, path string, fn func(Record) error) (FileInfo, error) {
	info := FileInfo{Name: filepath.Base(path)}
	if k, ok := ParseFileName(path); ok {
		info.Barrel = k
	}
	crc := crc32.NewIEEE()
	br := bufio.NewReaderSize(io.TeeReader(r, crc), 256<<10)
	var header [RecordHeaderSize]byte
	var pair [PostingSize]byte
	var offset int64
	for {
		start := offset
		n, err := io.ReadFull(br, header[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return info, apperrors.NewFormatError(path, start,
					fmt.Errorf("truncated record header: %d of %d bytes", n, RecordHeaderSize))
			}
			return info, fmt.Errorf("reading %s: %w", path, err)
		}
		offset += RecordHeaderSize
		rec := Record{
			TermID: binary.LittleEndian.Uint32(header[0:4]),
		}
		count := binary.LittleEndian.Uint32(header[4:8])
		if info.Records > 0 && rec.TermID <= info.LastTerm {
			return info, apperrors.NewFormatError(path, start,
				fmt.Errorf("term %d follows term %d", rec.TermID, info.LastTerm))
		}
		rec.Postings = make([]Posting, 0, min(count, 1<<16))
		for i := uint32(0); i < count; i++ {
			n, err := io.ReadFull(br, pair[:])
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return info, apperrors.NewFormatError(path, offset,
						fmt.Errorf("truncated record for term %d (record at offset %d): posting %d of %d cut at %d bytes",
							rec.TermID, start, i, count, n))
				}
				return info, fmt.Errorf("reading %s: %w", path, err)
			}
			offset += PostingSize
			rec.Postings = append(rec.Postings, Posting{
				DocID:     binary.LittleEndian.Uint32(pair[0:4]),
				Frequency: binary.LittleEndian.Uint32(pair[4:8]),
			})
		}
		if info.Records == 0 {
			info.FirstTerm = rec.TermID
		}
		info.LastTerm = rec.TermID
		info.Records++
		info.Postings += len(rec.Postings)
		if fn != nil {
			if err := fn(rec); err != nil {
				return info, err
			}
		}
	}
	info.Bytes = offset
	info.CRC32 = crc.Sum32()
	return info, nil
}

// ReadFile decodes a single barrel file.
func ReadFile(path string, fn func(Record) error) (FileInfo, error) {
	f, err := fileio.Open(path, "barrels")
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()
	return Decode(f, path, fn)
}

// ReadDir decodes every barrel listed in dir's manifest, in TermID order.
func ReadDir(dir string, fn func(Record) error) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(m.TermsPerBarrel)
	if err != nil {
		return nil, err
	}
	for _, fi := range m.Files {
		path := filepath.Join(dir, fi.Name)
		first, last := router.Range(fi.Barrel)
		if _, err := ReadFile(path, func(rec Record) error {
			if rec.TermID < first || rec.TermID > last {
				return apperrors.NewFormatError(path, -1,
					fmt.Errorf("term %d outside barrel %d range [%d, %d]", rec.TermID, fi.Barrel, first, last))
			}
			return fn(rec)
		}); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Report is the outcome of Verify.
type Report struct {
	Files    int
	Records  int
	Postings int
	Bytes    int64
}

// Verify re-reads every barrel in dir and checks it against the manifest:
// checksum, size, counts, term range and strict ordering. Barrel files not
// listed in the manifest are also reported.
func Verify(dir string) (Report, error) {
	var rep Report
	m, err := ReadManifest(dir)
	if err != nil {
		return rep, err
	}
	router, err := NewRouter(m.TermsPerBarrel)
	if err != nil {
		return rep, err
	}
	listed := make(map[string]struct{}, len(m.Files))
	for _, want := range m.Files {
		listed[want.Name] = struct{}{}
		path := filepath.Join(dir, want.Name)
		got, err := ReadFile(path, nil)
		if err != nil {
			return rep, err
		}
		first, last := router.Range(want.Barrel)
		switch {
		case got.CRC32 != want.CRC32:
			err = fmt.Errorf("checksum %08x, manifest says %08x", got.CRC32, want.CRC32)
		case got.Bytes != want.Bytes:
			err = fmt.Errorf("%d bytes, manifest says %d", got.Bytes, want.Bytes)
		case got.Records != want.Records || got.Postings != want.Postings:
			err = fmt.Errorf("%d records / %d postings, manifest says %d / %d",
				got.Records, got.Postings, want.Records, want.Postings)
		case got.FirstTerm != want.FirstTerm || got.LastTerm != want.LastTerm:
			err = fmt.Errorf("terms [%d, %d], manifest says [%d, %d]",
				got.FirstTerm, got.LastTerm, want.FirstTerm, want.LastTerm)
		case got.FirstTerm < first || got.LastTerm > last:
			err = fmt.Errorf("terms [%d, %d] outside barrel range [%d, %d]", got.FirstTerm, got.LastTerm, first, last)
		}
		if err != nil {
			return rep, apperrors.NewFormatError(path, -1, err)
		}
		rep.Files++
		rep.Records += got.Records
		rep.Postings += got.Postings
		rep.Bytes += got.Bytes
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return rep, fmt.Errorf("listing barrel directory: %w", err)
	}
	for _, e := range entries {
		if _, ok := ParseFileName(e.Name()); !ok {
			continue
		}
		if _, ok := listed[e.Name()]; !ok {
			return rep, apperrors.NewFormatError(filepath.Join(dir, e.Name()), -1,
				fmt.Errorf("barrel not listed in manifest"))
		}
	}
	return rep, nil
}

// Dump writes the text form of the barrel at path to w.
func Dump(path string, w io.Writer) error {
	bw := bufio.NewWriter(w)
	var buf []byte
	if _, err := ReadFile(path, func(rec Record) error {
		buf = appendDump(buf[:0], rec)
		_, err := bw.Write(buf)
		return err
	}); err != nil {
		return err
	}
	return bw.Flush()
}

func appendDump(dst []byte, rec Record) []byte {
	dst = append(dst, "WordID: "...)
	dst = strconv.AppendUint(dst, uint64(rec.TermID), 10)
	dst = append(dst, ", Count: "...)
	dst = strconv.AppendInt(dst, int64(len(rec.Postings)), 10)
	dst = append(dst, '\n')
	for _, p := range rec.Postings {
		dst = append(dst, "  DocID: "...)
		dst = strconv.AppendUint(dst, uint64(p.DocID), 10)
		dst = append(dst, ", Freq: "...)
		dst = strconv.AppendUint(dst, uint64(p.Frequency), 10)
		dst = append(dst, '\n')
	}
	return dst
}

// DumpDir writes barrel_<k>.txt next to every barrel in the manifest and
// returns the paths written.
func DumpDir(dir string) ([]string, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(m.Files))
	for _, fi := range m.Files {
		out := filepath.Join(dir, dumpName(fi.Barrel))
		if err := fileio.WriteFile(out, func(w *bufio.Writer) error {
			return Dump(filepath.Join(dir, fi.Name), w)
		}); err != nil {
			return paths, err
		}
		paths = append(paths, out)
	}
	return paths, nil
}

func dumpName(k uint32) string {
	return strings.TrimSuffix(FileName(k), ".bin") + ".txt"
}

func trimDumpSuffix(name string) string {
	if !strings.HasSuffix(name, ".txt") {
		return ""
	}
	return strings.TrimSuffix(name, ".txt") + ".bin"
}
