package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"

	"github.com/valpere/retrain/internal/params"
)

const (
	TokensKey = "tokens"
	LabelKey  = "label"

	TokensNamespace = "tokens"
	LabelsNamespace = "labels"
)

// DatasetReader turns a data file into instances.
type DatasetReader interface {
	Read(path string) ([]Instance, error)
}

// ReaderConfig is the "dataset_reader" configuration section.
type ReaderConfig struct {
	Type          string `mapstructure:"type"`
	Lowercase     bool   `mapstructure:"lowercase"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	StopwordsPath string `mapstructure:"stopwords_path"`

	// Languages, when set, drops lines whose text is not detected as one of
	// these ISO 639-1 codes.
	Languages []string `mapstructure:"languages"`
}

// ReaderFromParams builds the reader described by p. The stopwords file, when
// configured, is registered for inclusion in the model archive.
func ReaderFromParams(p *params.Params) (DatasetReader, error) {
	if err := p.AddFileToArchive("stopwords_path"); err != nil {
		return nil, err
	}

	cfg := ReaderConfig{Type: "text_classification_json"}
	if err := p.Decode(&cfg); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "text_classification_json":
		var stopwords []string
		if cfg.StopwordsPath != "" {
			raw, err := os.ReadFile(cfg.StopwordsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read stopwords: %w", err)
			}
			stopwords = strings.Fields(string(raw))
		}
		reader := NewTextClassificationJSONReader(NewTokenizer(cfg.Lowercase, cfg.MaxTokens, stopwords))
		if len(cfg.Languages) > 0 {
			filter, err := NewLanguageFilter(cfg.Languages)
			if err != nil {
				return nil, err
			}
			reader.filter = filter
		}
		return reader, nil
	default:
		return nil, params.NewConfigurationError(params.ErrInvalidValue,
			"unknown dataset reader type %q", cfg.Type)
	}
}

// TextClassificationJSONReader reads JSON lines of the form
// {"text": "...", "label": "..."}. The label is optional.
type TextClassificationJSONReader struct {
	tokenizer *Tokenizer
	filter    *LanguageFilter
}

// NewTextClassificationJSONReader returns a reader with a default tokenizer.
func NewTextClassificationJSONReader(tokenizer *Tokenizer) *TextClassificationJSONReader {
	if tokenizer == nil {
		tokenizer = NewTokenizer(false, 0, nil)
	}
	return &TextClassificationJSONReader{tokenizer: tokenizer}
}

type textClassificationLine struct {
	Text  string `json:"text"`
	Label any    `json:"label"`
}

func (r *TextClassificationJSONReader) Read(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()

	var instances []Instance
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec textClassificationLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid JSON: %w", path, lineNo, err)
		}
		if r.filter != nil && !r.filter.Keep(rec.Text) {
			continue
		}
		instances = append(instances, r.TextToInstance(rec.Text, cast.ToString(rec.Label)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	return instances, nil
}

// TextToInstance tokenizes text and attaches label when non-empty.
func (r *TextClassificationJSONReader) TextToInstance(text, label string) Instance {
	fields := map[string]Field{
		TokensKey: TextField{Tokens: r.tokenizer.Tokenize(text), Namespace: TokensNamespace},
	}
	if label != "" {
		fields[LabelKey] = LabelField{Label: label, Namespace: LabelsNamespace}
	}
	return NewInstance(fields)
}
