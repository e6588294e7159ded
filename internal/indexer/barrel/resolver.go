package barrel

import (
	"context"
	"fmt"
	"io"

	"github.com/rummager/rummager/internal/graph/idmap"
	"github.com/rummager/rummager/internal/indexer/index"
)

// Doc ID modes.
const (
	DocIDsIDMap   = "idmap"
	DocIDsOrdinal = "ordinal"
)

// DocResolver maps a document key to the dense DocID stored in barrels.
type DocResolver interface {
	Resolve(key string) (uint32, bool)
}

// IDMapResolver resolves keys through the citation graph ID map, so barrel
// DocIDs line up with graph nodes and ranking scores.
type IDMapResolver struct {
	canon *idmap.Canonicalizer
	table *idmap.Table
}

func NewIDMapResolver(canon *idmap.Canonicalizer, table *idmap.Table) *IDMapResolver {
	return &IDMapResolver{canon: canon, table: table}
}

func (r *IDMapResolver) Resolve(key string) (uint32, bool) {
	c := r.canon.Canonical(key)
	if !idmap.Valid(c) {
		return 0, false
	}
	return r.table.ID(c)
}

// OrdinalResolver numbers documents by their first appearance in the
// forward index.
type OrdinalResolver struct {
	ords map[string]uint32
}

func NewOrdinalResolver() *OrdinalResolver {
	return &OrdinalResolver{ords: make(map[string]uint32)}
}

// Add registers key if it has not been seen and returns its ordinal.
func (r *OrdinalResolver) Add(key string) uint32 {
	if id, ok := r.ords[key]; ok {
		return id
	}
	id := uint32(len(r.ords))
	r.ords[key] = id
	return id
}

func (r *OrdinalResolver) Resolve(key string) (uint32, bool) {
	id, ok := r.ords[key]
	return id, ok
}

func (r *OrdinalResolver) Len() int {
	return len(r.ords)
}

// LoadOrdinals builds an OrdinalResolver from a forward index file.
func LoadOrdinals(ctx context.Context, r io.Reader, path string) (*OrdinalResolver, error) {
	res := NewOrdinalResolver()
	if _, err := index.ReadForward(ctx, r, path, func(e index.ForwardEntry) error {
		res.Add(e.DocKey)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("loading document ordinals: %w", err)
	}
	return res, nil
}
