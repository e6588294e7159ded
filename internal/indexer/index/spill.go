package index

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Run files hold the buffered postings of one spill in ascending TermID
// order. Each term is
//
//	u32 TermID, u32 DocCount, DocCount × (u32 KeyLen, Key, u32 PosCount, PosCount × u32)
//
// little-endian.

func writeRun(path string, ids []uint32, terms map[uint32]*DocPostings) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating run file: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, 1<<20)
	var n int64
	var scratch [4]byte
	put := func(x uint32) error {
		binary.LittleEndian.PutUint32(scratch[:], x)
		_, err := bw.Write(scratch[:])
		n += 4
		return err
	}
	for _, id := range ids {
		docs := terms[id]
		if err := put(id); err != nil {
			return n, fmt.Errorf("writing run %s: %w", path, err)
		}
		if err := put(uint32(docs.Len())); err != nil {
			return n, fmt.Errorf("writing run %s: %w", path, err)
		}
		for i := 0; i < docs.Len(); i++ {
			key, positions := docs.At(i)
			if err := put(uint32(len(key))); err != nil {
				return n, fmt.Errorf("writing run %s: %w", path, err)
			}
			if _, err := bw.WriteString(key); err != nil {
				return n, fmt.Errorf("writing run %s: %w", path, err)
			}
			n += int64(len(key))
			if err := put(uint32(len(positions))); err != nil {
				return n, fmt.Errorf("writing run %s: %w", path, err)
			}
			for _, p := range positions {
				if err := put(p); err != nil {
					return n, fmt.Errorf("writing run %s: %w", path, err)
				}
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flushing run %s: %w", path, err)
	}
	return n, f.Close()
}

type runReader struct {
	seq  int
	path string
	f    *os.File
	r    *bufio.Reader
	cur  TermPostings
}

func openRun(seq int, path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run file: %w", err)
	}
	return &runReader{seq: seq, path: path, f: f, r: bufio.NewReaderSize(f, 256<<10)}, nil
}

func (rr *runReader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(rr.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// next loads the following term. It returns io.EOF at a clean end of file.
func (rr *runReader) next() error {
	id, err := rr.u32()
	if err != nil {
		return err
	}
	count, err := rr.u32()
	if err != nil {
		return rr.truncated(err)
	}
	docs := NewDocPostings()
	for i := uint32(0); i < count; i++ {
		keyLen, err := rr.u32()
		if err != nil {
			return rr.truncated(err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(rr.r, key); err != nil {
			return rr.truncated(err)
		}
		posCount, err := rr.u32()
		if err != nil {
			return rr.truncated(err)
		}
		positions := make([]uint32, posCount)
		for j := range positions {
			if positions[j], err = rr.u32(); err != nil {
				return rr.truncated(err)
			}
		}
		docs.Append(string(key), positions...)
	}
	rr.cur = TermPostings{TermID: id, Docs: docs}
	return nil
}

func (rr *runReader) truncated(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("reading run %s: %w", rr.path, err)
}

// runHeap orders run readers by current TermID, then by run sequence so that
// earlier runs (earlier documents) come first.
type runHeap []*runReader

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	if h[i].cur.TermID != h[j].cur.TermID {
		return h[i].cur.TermID < h[j].cur.TermID
	}
	return h[i].seq < h[j].seq
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)   { *h = append(*h, x.(*runReader)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeRuns k-way merges run files, calling emit once per TermID in
// ascending order. Postings for the same term from several runs are
// concatenated in run order; a key repeated across runs keeps its first
// slot and accumulates positions.
func mergeRuns(paths []string, emit func(TermPostings) error) error {
	h := make(runHeap, 0, len(paths))
	defer func() {
		for _, rr := range h {
			rr.f.Close()
		}
	}()
	for seq, path := range paths {
		rr, err := openRun(seq, path)
		if err != nil {
			return err
		}
		if err := rr.next(); err != nil {
			rr.f.Close()
			if errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
		h = append(h, rr)
	}
	heap.Init(&h)
	for h.Len() > 0 {
		top := h[0]
		merged := TermPostings{TermID: top.cur.TermID, Docs: NewDocPostings()}
		for h.Len() > 0 && h[0].cur.TermID == merged.TermID {
			rr := h[0]
			rr.cur.Docs.Each(func(key string, positions []uint32) error {
				merged.Docs.Append(key, positions...)
				return nil
			})
			if err := rr.next(); err != nil {
				if !errors.Is(err, io.EOF) {
					return err
				}
				heap.Pop(&h)
				rr.f.Close()
				continue
			}
			heap.Fix(&h, 0)
		}
		if err := emit(merged); err != nil {
			return err
		}
	}
	return nil
}
