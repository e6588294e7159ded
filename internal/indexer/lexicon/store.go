package lexicon

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// Store holds the Term→TermID table. Stores never assign IDs themselves;
// the Lexicon's counter does, so every Store yields the same assignment.
type Store interface {
	Get(term string) (uint32, bool, error)
	Put(term string, id uint32) error
	Len() int
	Close() error
}

// MemoryStore keeps the whole table in a map.
type MemoryStore struct {
	terms map[string]uint32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{terms: make(map[string]uint32)}
}

func (m *MemoryStore) Get(term string) (uint32, bool, error) {
	id, ok := m.terms[term]
	return id, ok, nil
}

func (m *MemoryStore) Put(term string, id uint32) error {
	m.terms[term] = id
	return nil
}

func (m *MemoryStore) Len() int { return len(m.terms) }

func (m *MemoryStore) Close() error { return nil }

var termsBucket = []byte("terms")

// DefaultBoltBatch is the number of new terms buffered before they are
// written to bolt in one transaction.
const DefaultBoltBatch = 10000

// BoltStore spills the table to a bolt database so vocabularies larger than
// memory can be built. Recent insertions are buffered and committed in
// batches; lookups consult the buffer first.
type BoltStore struct {
	db        *bolt.DB
	path      string
	pending   map[string]uint32
	batch     int
	count     int
	temporary bool
}

// OpenBoltStore opens (or creates) a bolt-backed store at path. An empty
// path creates a temporary database that is removed on Close.
func OpenBoltStore(path string, batch int) (*BoltStore, error) {
	temporary := false
	if path == "" {
		f, err := os.CreateTemp("", "lexicon-*.bolt")
		if err != nil {
			return nil, fmt.Errorf("creating temporary lexicon store: %w", err)
		}
		path = f.Name()
		f.Close()
		os.Remove(path)
		temporary = true
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lexicon store directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lexicon store %s: %w", path, err)
	}
	db.NoSync = true
	count := 0
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(termsBucket)
		if err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising lexicon store %s: %w", path, err)
	}
	if batch <= 0 {
		batch = DefaultBoltBatch
	}
	return &BoltStore{
		db:        db,
		path:      path,
		pending:   make(map[string]uint32, batch),
		batch:     batch,
		count:     count,
		temporary: temporary,
	}, nil
}

func (s *BoltStore) Get(term string) (uint32, bool, error) {
	if id, ok := s.pending[term]; ok {
		return id, true, nil
	}
	var (
		id    uint32
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(termsBucket).Get([]byte(term))
		if v == nil {
			return nil
		}
		if len(v) != 4 {
			return fmt.Errorf("corrupt lexicon entry for %q: %d bytes", term, len(v))
		}
		id = binary.LittleEndian.Uint32(v)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

func (s *BoltStore) Put(term string, id uint32) error {
	if _, ok := s.pending[term]; !ok {
		s.count++
	}
	s.pending[term] = id
	if len(s.pending) >= s.batch {
		return s.Flush()
	}
	return nil
}

// Flush commits buffered insertions.
func (s *BoltStore) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(termsBucket)
		for term, id := range s.pending {
			v := make([]byte, 4)
			binary.LittleEndian.PutUint32(v, id)
			if err := b.Put([]byte(term), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flushing %d lexicon entries: %w", len(s.pending), err)
	}
	s.pending = make(map[string]uint32, s.batch)
	return nil
}

func (s *BoltStore) Len() int { return s.count }

func (s *BoltStore) Close() error {
	flushErr := s.Flush()
	closeErr := s.db.Close()
	if s.temporary {
		os.Remove(s.path)
	}
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
