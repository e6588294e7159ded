// Package tokenizer turns document text into index terms. It lower-cases
// input, deletes ASCII punctuation, splits on whitespace and keeps purely
// alphabetic tokens that are not stop-words, optionally Porter2-stemmed.
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/surgebase/porter2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tokenizer is the pluggable text-to-terms capability used by the lexicon
// and forward index builders. Both must use the same Tokenizer.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Func adapts a plain function to Tokenizer.
type Func func(text string) []string

func (f Func) Tokenize(text string) []string { return f(text) }

// Options configures a Standard tokenizer.
type Options struct {
	Stem           bool
	MinLength      int
	ExtraStopwords []string
}

// Standard is the default English tokenizer.
type Standard struct {
	stopWords map[string]struct{}
	stem      bool
	minLength int
}

func New(opts Options) *Standard {
	stop := make(map[string]struct{}, len(englishStopWords)+len(opts.ExtraStopwords))
	for _, w := range englishStopWords {
		stop[w] = struct{}{}
	}
	for _, w := range opts.ExtraStopwords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	minLength := opts.MinLength
	if minLength < 1 {
		minLength = 1
	}
	return &Standard{
		stopWords: stop,
		stem:      opts.Stem,
		minLength: minLength,
	}
}

// Tokenize returns the kept terms of text in order.
func (s *Standard) Tokenize(text string) []string {
	text = cases.Lower(language.Und).String(text)
	text = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
			return -1
		}
		return r
	}, text)
	words := strings.Fields(text)
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if !isAlpha(word) {
			continue
		}
		if _, isStop := s.stopWords[word]; isStop {
			continue
		}
		if s.stem {
			word = porter2.Stem(word)
		}
		if len([]rune(word)) < s.minLength {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

func isAlpha(word string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
