package index

// Occurrence is one indexed token of a document: its TermID and its rank
// among the document's indexed tokens.
type Occurrence struct {
	TermID   uint32
	Position uint32
}

// ForwardEntry is the ordered list of occurrences of one document.
type ForwardEntry struct {
	DocKey string
	Terms  []Occurrence
}

// DocPostings maps document keys to position lists, iterating in the order
// keys were first appended. Keys are never sorted: the order in which
// documents were visited is part of the inverted index output.
type DocPostings struct {
	keys      []string
	positions [][]uint32
	index     map[string]int
}

func NewDocPostings() *DocPostings {
	return &DocPostings{}
}

// indexThreshold is the key count above which lookups switch from a linear
// scan to a map.
const indexThreshold = 8

// Append adds positions to key, creating the entry at the end if key is new.
func (d *DocPostings) Append(key string, positions ...uint32) {
	i, ok := d.find(key)
	if !ok {
		i = len(d.keys)
		d.keys = append(d.keys, key)
		d.positions = append(d.positions, nil)
		if d.index != nil {
			d.index[key] = i
		} else if len(d.keys) > indexThreshold {
			d.index = make(map[string]int, len(d.keys)*2)
			for j, k := range d.keys {
				d.index[k] = j
			}
		}
	}
	d.positions[i] = append(d.positions[i], positions...)
}

func (d *DocPostings) find(key string) (int, bool) {
	if n := len(d.keys); n > 0 && d.keys[n-1] == key {
		return n - 1, true
	}
	if d.index != nil {
		i, ok := d.index[key]
		return i, ok
	}
	for i, k := range d.keys {
		if k == key {
			return i, true
		}
	}
	return 0, false
}

// Get returns the positions recorded for key.
func (d *DocPostings) Get(key string) ([]uint32, bool) {
	i, ok := d.find(key)
	if !ok {
		return nil, false
	}
	return d.positions[i], true
}

// Len returns the number of documents.
func (d *DocPostings) Len() int {
	return len(d.keys)
}

// Keys returns the document keys in insertion order.
func (d *DocPostings) Keys() []string {
	return append([]string(nil), d.keys...)
}

// At returns the i-th document in insertion order.
func (d *DocPostings) At(i int) (string, []uint32) {
	return d.keys[i], d.positions[i]
}

// Each calls fn for every document in insertion order.
func (d *DocPostings) Each(fn func(key string, positions []uint32) error) error {
	for i, k := range d.keys {
		if err := fn(k, d.positions[i]); err != nil {
			return err
		}
	}
	return nil
}

// TermPostings is one line of the inverted index.
type TermPostings struct {
	TermID uint32
	Docs   *DocPostings
}
