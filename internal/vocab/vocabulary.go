// Package vocab maps tokens to integer indices, one mapping per namespace.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/valpere/retrain/internal/params"
)

const (
	PaddingToken = "@@PADDING@@"
	OOVToken     = "@@UNKNOWN@@"

	// NamespacePaddingFile lists the non-padded namespace patterns of a saved vocabulary.
	NamespacePaddingFile = "non_padded_namespaces.txt"

	newlineToken = "@@NEWLINE@@"
)

// DefaultNonPaddedNamespaces are namespace patterns whose entries carry no
// padding or OOV token.
var DefaultNonPaddedNamespaces = []string{"*tags", "*labels"}

// Config holds the vocabulary construction parameters of the "vocabulary"
// configuration section.
type Config struct {
	DirectoryPath       string              `mapstructure:"directory_path"`
	MinCount            map[string]int      `mapstructure:"min_count"`
	MaxVocabSize        map[string]int      `mapstructure:"max_vocab_size"`
	NonPaddedNamespaces []string            `mapstructure:"non_padded_namespaces"`
	TokensToAdd         map[string][]string `mapstructure:"tokens_to_add"`
	Extend              bool                `mapstructure:"extend"`
}

// Counter counts token occurrences per namespace.
type Counter map[string]map[string]int

// Add increments the count of token in namespace.
func (c Counter) Add(namespace, token string) {
	m, ok := c[namespace]
	if !ok {
		m = make(map[string]int)
		c[namespace] = m
	}
	m[token]++
}

// Vocabulary is not safe for concurrent mutation.
type Vocabulary struct {
	nonPadded    []string
	tokenToIndex map[string]map[string]int
	indexToToken map[string][]string
}

// New returns an empty vocabulary. A nil nonPadded uses DefaultNonPaddedNamespaces.
func New(nonPadded []string) *Vocabulary {
	if nonPadded == nil {
		nonPadded = DefaultNonPaddedNamespaces
	}
	return &Vocabulary{
		nonPadded:    append([]string(nil), nonPadded...),
		tokenToIndex: make(map[string]map[string]int),
		indexToToken: make(map[string][]string),
	}
}

// namespaceMatch reports whether namespace matches pattern. A leading "*"
// matches any prefix.
func namespaceMatch(pattern, namespace string) bool {
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(namespace, pattern[1:])
	}
	return pattern == namespace
}

func isPadded(patterns []string, namespace string) bool {
	for _, p := range patterns {
		if namespaceMatch(p, namespace) {
			return false
		}
	}
	return true
}

// IsPadded reports whether namespace reserves the padding and OOV entries.
func (v *Vocabulary) IsPadded(namespace string) bool {
	return isPadded(v.nonPadded, namespace)
}

func (v *Vocabulary) ensureNamespace(namespace string) {
	if _, ok := v.tokenToIndex[namespace]; ok {
		return
	}
	v.tokenToIndex[namespace] = make(map[string]int)
	v.indexToToken[namespace] = nil
	if v.IsPadded(namespace) {
		v.tokenToIndex[namespace][PaddingToken] = 0
		v.tokenToIndex[namespace][OOVToken] = 1
		v.indexToToken[namespace] = []string{PaddingToken, OOVToken}
	}
}

// AddToken adds token to namespace if missing and returns its index.
func (v *Vocabulary) AddToken(token, namespace string) int {
	v.ensureNamespace(namespace)
	if idx, ok := v.tokenToIndex[namespace][token]; ok {
		return idx
	}
	idx := len(v.indexToToken[namespace])
	v.tokenToIndex[namespace][token] = idx
	v.indexToToken[namespace] = append(v.indexToToken[namespace], token)
	return idx
}

// TokenIndex returns the index of token. Unknown tokens map to the OOV index in
// padded namespaces and report false in non-padded ones.
func (v *Vocabulary) TokenIndex(token, namespace string) (int, bool) {
	if idx, ok := v.tokenToIndex[namespace][token]; ok {
		return idx, true
	}
	if v.IsPadded(namespace) {
		return 1, true
	}
	return 0, false
}

// Contains reports whether token has its own entry in namespace. Padding and
// OOV entries count; tokens that would only map to OOV do not.
func (v *Vocabulary) Contains(token, namespace string) bool {
	_, ok := v.tokenToIndex[namespace][token]
	return ok
}

// Token returns the token at index in namespace.
func (v *Vocabulary) Token(index int, namespace string) (string, bool) {
	tokens := v.indexToToken[namespace]
	if index < 0 || index >= len(tokens) {
		return "", false
	}
	return tokens[index], true
}

// Size returns the number of entries in namespace, padding included.
func (v *Vocabulary) Size(namespace string) int {
	return len(v.indexToToken[namespace])
}

// Tokens returns the entries of namespace ordered by index.
func (v *Vocabulary) Tokens(namespace string) []string {
	return append([]string(nil), v.indexToToken[namespace]...)
}

// Namespaces returns the namespace names in sorted order.
func (v *Vocabulary) Namespaces() []string {
	out := make([]string, 0, len(v.indexToToken))
	for ns := range v.indexToToken {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Extend adds the counted tokens, honouring min_count, max_vocab_size and
// tokens_to_add. Existing indices never change.
func (v *Vocabulary) Extend(cfg Config, counter Counter) error {
	if cfg.NonPaddedNamespaces != nil {
		for _, ns := range v.Namespaces() {
			if isPadded(cfg.NonPaddedNamespaces, ns) != v.IsPadded(ns) {
				return params.NewConfigurationError(params.ErrInvalidValue,
					"common namespace %q has conflicting padding setting; vocabulary cannot be extended", ns)
			}
		}
		v.nonPadded = mergePatterns(v.nonPadded, cfg.NonPaddedNamespaces)
	}

	namespaces := make([]string, 0, len(counter))
	for ns := range counter {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		counts := sortedCounts(counter[ns])
		if limit, ok := cfg.MaxVocabSize[ns]; ok && limit >= 0 && len(counts) > limit {
			counts = counts[:limit]
		}
		minCount := 1
		if n, ok := cfg.MinCount[ns]; ok {
			minCount = n
		}
		for _, tc := range counts {
			if tc.count >= minCount {
				v.AddToken(tc.token, ns)
			}
		}
	}

	for ns, tokens := range cfg.TokensToAdd {
		for _, tok := range tokens {
			v.AddToken(tok, ns)
		}
	}
	return nil
}

func mergePatterns(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, p := range append(append([]string(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

type tokenCount struct {
	token string
	count int
}

// sortedCounts orders by count descending, then token ascending.
func sortedCounts(m map[string]int) []tokenCount {
	out := make([]tokenCount, 0, len(m))
	for tok, n := range m {
		out = append(out, tokenCount{token: tok, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].token < out[j].token
	})
	return out
}

// SaveToFiles writes one <namespace>.txt file per namespace and the
// non-padded namespace list into dir. Padding entries are not written.
func (v *Vocabulary) SaveToFiles(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vocabulary directory: %w", err)
	}

	if err := writeLines(filepath.Join(dir, NamespacePaddingFile), v.nonPadded); err != nil {
		return err
	}

	for _, ns := range v.Namespaces() {
		tokens := v.indexToToken[ns]
		if v.IsPadded(ns) && len(tokens) > 0 {
			tokens = tokens[1:]
		}
		escaped := make([]string, len(tokens))
		for i, tok := range tokens {
			escaped[i] = strings.ReplaceAll(tok, "\n", newlineToken)
		}
		if err := writeLines(filepath.Join(dir, ns+".txt"), escaped); err != nil {
			return err
		}
	}
	return nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// FromFiles loads a vocabulary written by SaveToFiles.
func FromFiles(dir string) (*Vocabulary, error) {
	nonPadded, err := readLines(filepath.Join(dir, NamespacePaddingFile))
	if err != nil {
		return nil, err
	}
	if nonPadded == nil {
		nonPadded = []string{}
	}
	v := New(nonPadded)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == NamespacePaddingFile || !strings.HasSuffix(name, ".txt") {
			continue
		}
		ns := strings.TrimSuffix(name, ".txt")
		tokens, err := readLines(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		v.ensureNamespace(ns)
		if v.IsPadded(ns) {
			// the OOV token is stored in the file; reset to padding only
			v.tokenToIndex[ns] = map[string]int{PaddingToken: 0}
			v.indexToToken[ns] = []string{PaddingToken}
		}
		for _, tok := range tokens {
			v.AddToken(strings.ReplaceAll(tok, newlineToken, "\n"), ns)
		}
	}
	return v, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
