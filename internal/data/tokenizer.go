package data

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits text on whitespace after NFC normalization.
type Tokenizer struct {
	lowercase bool
	stopwords map[string]struct{}
	maxTokens int
}

// NewTokenizer returns a Tokenizer. maxTokens <= 0 means unlimited.
func NewTokenizer(lowercase bool, maxTokens int, stopwords []string) *Tokenizer {
	t := &Tokenizer{lowercase: lowercase, maxTokens: maxTokens}
	if len(stopwords) > 0 {
		t.stopwords = make(map[string]struct{}, len(stopwords))
		for _, w := range stopwords {
			t.stopwords[t.normalize(w)] = struct{}{}
		}
	}
	return t
}

func (t *Tokenizer) normalize(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if t.lowercase {
		// cases.Caser is stateful, so build one per call
		s = cases.Lower(language.Und).String(s)
	}
	return s
}

// Tokenize returns the tokens of text.
func (t *Tokenizer) Tokenize(text string) []string {
	fields := strings.Fields(t.normalize(text))
	tokens := fields[:0]
	for _, f := range fields {
		if _, stop := t.stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
		if t.maxTokens > 0 && len(tokens) == t.maxTokens {
			break
		}
	}
	return tokens
}
