package data

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/valpere/retrain/internal/params"
)

// LanguageFilter keeps texts detected as one of a set of languages.
type LanguageFilter struct {
	detector lingua.LanguageDetector
	allowed  map[string]bool
}

// NewLanguageFilter builds a filter for the given ISO 639-1 codes, in any
// case. Unknown codes are a configuration error.
func NewLanguageFilter(codes []string) (*LanguageFilter, error) {
	known := make(map[string]bool)
	for _, lang := range lingua.AllLanguages() {
		known[lang.IsoCode639_1().String()] = true
	}

	allowed := make(map[string]bool, len(codes))
	for _, code := range codes {
		iso := strings.ToUpper(strings.TrimSpace(code))
		if !known[iso] {
			return nil, params.NewConfigurationError(params.ErrInvalidValue, "unknown language code %q", code)
		}
		allowed[iso] = true
	}

	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		Build()

	return &LanguageFilter{detector: detector, allowed: allowed}, nil
}

// Detect returns the upper-case ISO 639-1 code of text.
func (f *LanguageFilter) Detect(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lang, ok := f.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return lang.IsoCode639_1().String(), true
}

// Keep reports whether text is in one of the allowed languages. Texts whose
// language cannot be detected are dropped.
func (f *LanguageFilter) Keep(text string) bool {
	code, ok := f.Detect(text)
	return ok && f.allowed[code]
}
