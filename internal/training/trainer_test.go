package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/model"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

type fixture struct {
	vocab    *vocab.Vocabulary
	model    *model.BagOfWords
	iterator *data.BasicIterator
	train    []data.Instance
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	r := data.NewTextClassificationJSONReader(nil)
	train := []data.Instance{
		r.TextToInstance("good great", "pos"),
		r.TextToInstance("bad awful", "neg"),
		r.TextToInstance("great fun", "pos"),
		r.TextToInstance("awful mess", "neg"),
	}

	v := vocab.New(nil)
	if err := v.Extend(vocab.Config{}, data.CountVocabItems(train)); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	cfg := data.DefaultIteratorConfig()
	cfg.BatchSize = 2
	it := data.NewBasicIterator(cfg, 13370)
	it.IndexWith(v)

	return fixture{
		vocab:    v,
		model:    model.NewBagOfWords(model.DefaultBagOfWordsConfig(), v),
		iterator: it,
		train:    train,
	}
}

func quiet() Options {
	return Options{Progress: io.Discard}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestTrainer_Train(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.NumEpochs = 3
	cfg.LearningRate = 1
	tr, err := New(f.model, dir, f.iterator, f.train, f.train, cfg, quiet())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	metrics, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for _, key := range []string{"training_loss", "training_accuracy", "validation_loss", "best_validation_accuracy", "best_epoch"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("expected metric %q in %v", key, metrics)
		}
	}
	if metrics["training_epochs"] != 3 {
		t.Errorf("expected 3 training epochs, got %v", metrics["training_epochs"])
	}

	if !fileExists(filepath.Join(dir, BestWeightsFile)) {
		t.Error("expected best weights file")
	}
	for epoch := 0; epoch < 3; epoch++ {
		if !fileExists(filepath.Join(dir, fmt.Sprintf("metrics_epoch_%d.json", epoch))) {
			t.Errorf("expected metrics file for epoch %d", epoch)
		}
	}
	// only the most recent epoch checkpoint is kept
	if fileExists(filepath.Join(dir, "model_state_epoch_1.th")) {
		t.Error("expected old checkpoint to be removed")
	}
	if !fileExists(filepath.Join(dir, "model_state_epoch_2.th")) {
		t.Error("expected latest checkpoint to be kept")
	}
}

func TestTrainer_Patience(t *testing.T) {
	f := newFixture(t)

	cfg := DefaultConfig()
	cfg.NumEpochs = 10
	cfg.Patience = 2
	cfg.LearningRate = 0 // nothing ever improves after the first epoch
	tr, err := New(f.model, t.TempDir(), f.iterator, f.train, nil, cfg, quiet())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	metrics, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if metrics["training_epochs"] != 3 {
		t.Errorf("expected to stop after 3 epochs, got %v", metrics["training_epochs"])
	}
	if metrics["best_epoch"] != 0 {
		t.Errorf("expected best epoch 0, got %v", metrics["best_epoch"])
	}
}

type cancellingModel struct {
	model.Model
	cancel context.CancelFunc
	after  int
	steps  int
}

func (m *cancellingModel) Step(batch data.Batch, lr float64) (model.Output, error) {
	m.steps++
	if m.steps == m.after {
		m.cancel()
	}
	return m.Model.Step(batch, lr)
}

func TestTrainer_CancelledAfterFirstEpoch(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// two batches per epoch; cancel during the second epoch
	m := &cancellingModel{Model: f.model, cancel: cancel, after: 3}

	cfg := DefaultConfig()
	cfg.NumEpochs = 5
	tr, err := New(m, dir, f.iterator, f.train, nil, cfg, quiet())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = tr.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !fileExists(filepath.Join(dir, BestWeightsFile)) {
		t.Error("expected best weights from the completed epoch")
	}
	if fileExists(filepath.Join(dir, "metrics_epoch_1.json")) {
		t.Error("expected no metrics for the interrupted epoch")
	}
}

func TestTrainer_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, err := New(f.model, dir, f.iterator, f.train, nil, DefaultConfig(), quiet())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := tr.Train(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fileExists(filepath.Join(dir, BestWeightsFile)) {
		t.Error("expected no weights when cancelled before the first batch")
	}
}

func TestTrainer_NoTrainingData(t *testing.T) {
	f := newFixture(t)
	tr, err := New(f.model, t.TempDir(), f.iterator, nil, nil, DefaultConfig(), quiet())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := tr.Train(context.Background()); !errors.Is(err, ErrNoTrainingData) {
		t.Errorf("expected ErrNoTrainingData, got %v", err)
	}
}

func TestFromParams(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		section map[string]any
		wantErr error
	}{
		{"defaults", map[string]any{}, nil},
		{"values", map[string]any{"num_epochs": "3", "validation_metric": "+accuracy"}, nil},
		{"typo", map[string]any{"num_epoch": 3}, params.ErrUnusedKeys},
		{"bad metric", map[string]any{"validation_metric": "accuracy"}, params.ErrInvalidValue},
		{"bad epochs", map[string]any{"num_epochs": 0}, params.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromParams(f.model, t.TempDir(), f.iterator, f.train, nil, params.New(tt.section), quiet())
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	metrics, err := Evaluate(context.Background(), f.model, f.train, f.iterator, quiet())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	// an untrained model predicts the first label for everything
	if metrics["accuracy"] != 0.5 {
		t.Errorf("expected accuracy 0.5, got %v", metrics["accuracy"])
	}
	if _, ok := metrics["loss"]; !ok {
		t.Error("expected loss metric")
	}
}

func TestEvaluate_Empty(t *testing.T) {
	f := newFixture(t)

	metrics, err := Evaluate(context.Background(), f.model, nil, f.iterator, quiet())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if metrics["accuracy"] != 0.0 {
		t.Errorf("expected zero accuracy, got %v", metrics["accuracy"])
	}
}
