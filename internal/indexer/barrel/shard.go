package barrel

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultTermsPerBarrel is the TermID range width of one barrel.
const DefaultTermsPerBarrel = 50000

// Router maps TermIDs to barrels by fixed-width range.
type Router struct {
	termsPerBarrel uint32
}

func NewRouter(termsPerBarrel uint32) (*Router, error) {
	if termsPerBarrel == 0 {
		return nil, fmt.Errorf("terms per barrel must be positive")
	}
	return &Router{termsPerBarrel: termsPerBarrel}, nil
}

// Route returns the barrel holding termID.
func (r *Router) Route(termID uint32) uint32 {
	return termID / r.termsPerBarrel
}

// Range returns the first and last TermID barrel k may hold.
func (r *Router) Range(k uint32) (uint32, uint32) {
	first := uint64(k) * uint64(r.termsPerBarrel)
	last := first + uint64(r.termsPerBarrel) - 1
	if last > uint64(^uint32(0)) {
		last = uint64(^uint32(0))
	}
	return uint32(first), uint32(last)
}

func (r *Router) TermsPerBarrel() uint32 {
	return r.termsPerBarrel
}

// FileName returns the file name of barrel k.
func FileName(k uint32) string {
	return "barrel_" + strconv.FormatUint(uint64(k), 10) + ".bin"
}

// ParseFileName extracts k from a barrel file name.
func ParseFileName(name string) (uint32, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, "barrel_") || !strings.HasSuffix(name, ".bin") {
		return 0, false
	}
	k, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "barrel_"), ".bin"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(k), true
}
