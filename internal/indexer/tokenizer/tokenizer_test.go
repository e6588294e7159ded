package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tok := New(Options{})
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"lowercases", "Quantum Gravity", []string{"quantum", "gravity"}},
		{"drops stop words", "the waves of the sea", []string{"waves", "sea"}},
		{"deletes punctuation inside words", "x-ray, (dark) matter!", []string{"xray", "dark", "matter"}},
		{"drops tokens with digits", "3d lattice qcd2 model", []string{"lattice", "model"}},
		{"keeps unicode letters", "Schrödinger équation", []string{"schrödinger", "équation"}},
		{"empty", "   ", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tok.Tokenize(tc.text))
		})
	}
}

func TestTokenizeStem(t *testing.T) {
	tok := New(Options{Stem: true})
	assert.Equal(t, []string{"wave", "propag"}, tok.Tokenize("waves propagating"))
}

func TestTokenizeMinLengthAndExtraStopwords(t *testing.T) {
	tok := New(Options{MinLength: 3, ExtraStopwords: []string{"Paper"}})
	assert.Equal(t, []string{"new", "result"}, tok.Tokenize("a new paper ab result"))
}

func TestFuncAdapter(t *testing.T) {
	var tok Tokenizer = Func(func(text string) []string { return []string{text} })
	assert.Equal(t, []string{"raw"}, tok.Tokenize("raw"))
}
