package idmap

import (
	"strings"
	"unicode"
)

// DefaultPrefixes are the namespace prefixes stripped from raw identifiers.
var DefaultPrefixes = []string{"arXiv:"}

// Canonicalizer maps raw document identifiers to canonical ones by removing
// namespace prefixes and version suffixes ("arXiv:0704.0001v2" becomes
// "0704.0001"). Stripping repeats until nothing changes, so Canonical is
// idempotent.
type Canonicalizer struct {
	prefixes []string
}

// NewCanonicalizer returns a Canonicalizer for the given prefixes; nil means
// DefaultPrefixes.
func NewCanonicalizer(prefixes []string) *Canonicalizer {
	if prefixes == nil {
		prefixes = DefaultPrefixes
	}
	return &Canonicalizer{prefixes: prefixes}
}

// Canonical returns the canonical form of raw.
func (c *Canonicalizer) Canonical(raw string) string {
	id := strings.TrimSpace(raw)
	for {
		prev := id
		for _, p := range c.prefixes {
			if p != "" && strings.HasPrefix(id, p) {
				id = strings.TrimSpace(id[len(p):])
			}
		}
		id = strings.TrimSpace(stripVersion(id))
		if id == prev {
			return id
		}
	}
}

// Valid reports whether a canonical ID can be stored in the whitespace
// separated ID map.
func Valid(canonical string) bool {
	if canonical == "" {
		return false
	}
	return strings.IndexFunc(canonical, unicode.IsSpace) < 0
}

// Canonicalize canonicalizes raw with DefaultPrefixes.
func Canonicalize(raw string) string {
	return defaultCanonicalizer.Canonical(raw)
}

var defaultCanonicalizer = NewCanonicalizer(nil)

// stripVersion removes a trailing "v<digits>" suffix. A bare "v<digits>" is
// left alone because stripping it would leave nothing.
func stripVersion(id string) string {
	i := strings.LastIndexByte(id, 'v')
	if i <= 0 || i == len(id)-1 {
		return id
	}
	for _, r := range id[i+1:] {
		if r < '0' || r > '9' {
			return id
		}
	}
	return id[:i]
}
