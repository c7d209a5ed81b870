package data

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestTokenizer(t *testing.T) {
	tests := []struct {
		name      string
		lowercase bool
		maxTokens int
		stopwords []string
		text      string
		want      []string
	}{
		{"plain", false, 0, nil, "  The cat  sat ", []string{"The", "cat", "sat"}},
		{"lowercase", true, 0, nil, "The CAT", []string{"the", "cat"}},
		{"stopwords", true, 0, []string{"THE"}, "the cat", []string{"cat"}},
		{"max tokens", false, 2, nil, "a b c d", []string{"a", "b"}},
		{"empty", false, 0, nil, "   ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTokenizer(tt.lowercase, tt.maxTokens, tt.stopwords).Tokenize(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTextClassificationJSONReader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "train.jsonl", `{"text": "good movie", "label": "pos"}

{"text": "bad", "label": 0}
{"text": "unlabeled"}
`)

	instances, err := NewTextClassificationJSONReader(nil).Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}

	if got := instances[1].Fields[LabelKey].(LabelField).Label; got != "0" {
		t.Errorf("expected numeric label to be read as %q, got %q", "0", got)
	}
	if _, ok := instances[2].Fields[LabelKey]; ok {
		t.Error("expected no label field for unlabeled line")
	}

	counter := CountVocabItems(instances)
	want := vocab.Counter{
		"tokens": {"good": 1, "movie": 1, "bad": 1, "unlabeled": 1},
		"labels": {"pos": 1, "0": 1},
	}
	if diff := cmp.Diff(want, counter); diff != "" {
		t.Errorf("counter mismatch (-want +got):\n%s", diff)
	}
}

func TestTextClassificationJSONReader_InvalidLine(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.jsonl", "{not json\n")

	_, err := NewTextClassificationJSONReader(nil).Read(path)
	if err == nil || !strings.Contains(err.Error(), ":1:") {
		t.Errorf("expected error with line number, got %v", err)
	}
}

func TestReaderFromParams_UnknownType(t *testing.T) {
	_, err := ReaderFromParams(params.New(map[string]any{"type": "sequence_tagging"}))
	if !errors.Is(err, params.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestReaderFromParams_Stopwords(t *testing.T) {
	dir := t.TempDir()
	stop := writeFile(t, dir, "stop.txt", "the\na\n")
	data := writeFile(t, dir, "d.jsonl", `{"text": "The cat", "label": "x"}`+"\n")

	root := params.New(map[string]any{
		"dataset_reader": map[string]any{"lowercase": true, "stopwords_path": stop},
	})
	rp, err := root.Sub("dataset_reader")
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	reader, err := ReaderFromParams(rp)
	if err != nil {
		t.Fatalf("ReaderFromParams failed: %v", err)
	}

	instances, err := reader.Read(data)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	tokens := instances[0].Fields[TokensKey].(TextField).Tokens
	if diff := cmp.Diff([]string{"cat"}, tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if got := root.FilesToArchive()["dataset_reader.stopwords_path"]; got != stop {
		t.Errorf("expected stopwords file registered for archiving, got %q", got)
	}
	if unused := root.Unused(); len(unused) != 0 {
		t.Errorf("expected no unused keys, got %v", unused)
	}
}

func TestDatasetsFromParams(t *testing.T) {
	dir := t.TempDir()
	train := writeFile(t, dir, "train.jsonl", `{"text": "a b", "label": "x"}`+"\n"+`{"text": "c", "label": "y"}`+"\n")
	test := writeFile(t, dir, "test.jsonl", `{"text": "a", "label": "x"}`+"\n")

	p := params.New(map[string]any{
		"dataset_reader":  map[string]any{"type": "text_classification_json"},
		"train_data_path": train,
		"test_data_path":  test,
	})

	ds, err := DatasetsFromParams(context.Background(), p)
	if err != nil {
		t.Fatalf("DatasetsFromParams failed: %v", err)
	}
	if diff := cmp.Diff([]string{"test", "train"}, ds.Splits()); diff != "" {
		t.Errorf("splits mismatch (-want +got):\n%s", diff)
	}
	if len(ds[SplitTrain]) != 2 || len(ds[SplitTest]) != 1 {
		t.Errorf("unexpected split sizes: train=%d test=%d", len(ds[SplitTrain]), len(ds[SplitTest]))
	}
	if err := p.AssertEmpty("test"); err != nil {
		t.Errorf("expected all dataset keys consumed, got %v", err)
	}
}

func TestDatasetsFromParams_MissingReader(t *testing.T) {
	p := params.New(map[string]any{"train_data_path": "x.jsonl"})

	_, err := DatasetsFromParams(context.Background(), p)
	if !errors.Is(err, params.ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestDatasetsFromParams_MissingFile(t *testing.T) {
	p := params.New(map[string]any{
		"dataset_reader":  map[string]any{},
		"train_data_path": filepath.Join(t.TempDir(), "missing.jsonl"),
	})

	if _, err := DatasetsFromParams(context.Background(), p); err == nil {
		t.Error("expected error for missing data file")
	}
}

func indexedVocab() *vocab.Vocabulary {
	v := vocab.New(nil)
	for _, tok := range []string{"a", "b", "c"} {
		v.AddToken(tok, TokensNamespace)
	}
	v.AddToken("x", LabelsNamespace)
	return v
}

func makeInstances(texts ...string) []Instance {
	r := NewTextClassificationJSONReader(nil)
	out := make([]Instance, len(texts))
	for i, text := range texts {
		out[i] = r.TextToInstance(text, "x")
	}
	return out
}

func TestBasicIterator_Batches(t *testing.T) {
	cfg := DefaultIteratorConfig()
	cfg.BatchSize = 2
	it := NewBasicIterator(cfg, 1)

	instances := makeInstances("a b", "c", "zzz")
	if _, err := it.Batches(instances, false); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("expected ErrNotIndexed, got %v", err)
	}

	it.IndexWith(indexedVocab())
	batches, err := it.Batches(instances, false)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 2 || it.NumBatches(instances) != 2 {
		t.Fatalf("expected 2 batches, got %d (NumBatches=%d)", len(batches), it.NumBatches(instances))
	}

	want := [][]int{{2, 3}, {4}}
	if diff := cmp.Diff(want, batches[0].Tokens[TokensKey]); diff != "" {
		t.Errorf("token ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{1}}, batches[1].Tokens[TokensKey]); diff != "" {
		t.Errorf("expected OOV index for unknown token (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 0}, batches[0].Labels[LabelKey]); diff != "" {
		t.Errorf("label ids mismatch (-want +got):\n%s", diff)
	}
}

func TestBasicIterator_UnknownLabel(t *testing.T) {
	it := NewBasicIterator(DefaultIteratorConfig(), 1)
	it.IndexWith(indexedVocab())

	inst := NewTextClassificationJSONReader(nil).TextToInstance("a", "never-seen")
	batches, err := it.Batches([]Instance{inst}, false)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if got := batches[0].Labels[LabelKey][0]; got != NoLabel {
		t.Errorf("expected NoLabel, got %d", got)
	}
}

func TestBasicIterator_ShuffleIsSeeded(t *testing.T) {
	instances := makeInstances("a", "b", "c", "a b", "b c", "a c", "a b c")

	order := func(seed int64) [][]int {
		cfg := DefaultIteratorConfig()
		cfg.BatchSize = 100
		it := NewBasicIterator(cfg, seed)
		it.IndexWith(indexedVocab())
		batches, err := it.Batches(instances, true)
		if err != nil {
			t.Fatalf("Batches failed: %v", err)
		}
		return batches[0].Tokens[TokensKey]
	}

	if diff := cmp.Diff(order(7), order(7)); diff != "" {
		t.Errorf("expected identical order for identical seeds (-first +second):\n%s", diff)
	}
}

func TestBucketIterator_SortsByLength(t *testing.T) {
	cfg := DefaultIteratorConfig()
	cfg.Type = "bucket"
	cfg.Shuffle = false
	it := NewBasicIterator(cfg, 1)
	it.IndexWith(indexedVocab())

	batches, err := it.Batches(makeInstances("a b c", "a", "a b"), true)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	var lengths []int
	for _, ids := range batches[0].Tokens[TokensKey] {
		lengths = append(lengths, len(ids))
	}
	if diff := cmp.Diff([]int{1, 2, 3}, lengths); diff != "" {
		t.Errorf("lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestIteratorFromParams(t *testing.T) {
	tests := []struct {
		name    string
		section map[string]any
		wantErr error
	}{
		{"defaults", map[string]any{}, nil},
		{"bucket", map[string]any{"type": "bucket", "batch_size": "8"}, nil},
		{"unknown type", map[string]any{"type": "magic"}, params.ErrInvalidValue},
		{"bad batch size", map[string]any{"batch_size": 0}, params.ErrInvalidValue},
		{"typo", map[string]any{"batch_sise": 4}, params.ErrUnusedKeys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IteratorFromParams(params.New(tt.section), 1)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMaxInstancesInMemory(t *testing.T) {
	cfg := DefaultIteratorConfig()
	cfg.BatchSize = 2
	cfg.MaxInstancesInMemory = 3
	it := NewBasicIterator(cfg, 1)

	// chunks of 3 and 2 give 2 + 1 batches
	if got := it.NumBatches(makeInstances("a", "b", "c", "a", "b")); got != 3 {
		t.Errorf("expected 3 batches, got %d", got)
	}
}
