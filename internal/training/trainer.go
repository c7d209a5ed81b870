// Package training runs the epoch loop over a model and evaluates models on
// datasets.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/model"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/progress"
)

const (
	BestWeightsFile = "best.th"

	epochWeightsPattern = "model_state_epoch_%d.th"
	epochMetricsPattern = "metrics_epoch_%d.json"
)

// ErrNoTrainingData is returned when the train split is missing or empty.
var ErrNoTrainingData = errors.New("no training data")

// Metrics is a flat metrics document.
type Metrics map[string]any

// Config is the "trainer" configuration section.
type Config struct {
	NumEpochs                 int     `mapstructure:"num_epochs"`
	Patience                  int     `mapstructure:"patience"`
	LearningRate              float64 `mapstructure:"learning_rate"`
	ValidationMetric          string  `mapstructure:"validation_metric"`
	NumSerializedModelsToKeep int     `mapstructure:"num_serialized_models_to_keep"`
}

func DefaultConfig() Config {
	return Config{
		NumEpochs:                 20,
		LearningRate:              0.1,
		ValidationMetric:          "-loss",
		NumSerializedModelsToKeep: 1,
	}
}

// Options carries the environment of a training run.
type Options struct {
	Logger       *slog.Logger
	Progress     io.Writer
	FileFriendly bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Progress == nil {
		o.Progress = os.Stderr
	}
	return o
}

// Trainer trains a model on the train split, selecting the best epoch on the
// validation split when one is given and on the train split otherwise.
type Trainer struct {
	model            model.Model
	serializationDir string
	iterator         data.Iterator
	train            []data.Instance
	validation       []data.Instance
	cfg              Config
	opts             Options

	metricName     string
	higherIsBetter bool
}

// FromParams builds a Trainer from the remaining keys of the "trainer"
// section. Keys read earlier by the caller are skipped.
func FromParams(m model.Model, serializationDir string, it data.Iterator, train, validation []data.Instance, p *params.Params, opts Options) (*Trainer, error) {
	cfg := DefaultConfig()
	if err := p.Decode(&cfg); err != nil {
		return nil, err
	}
	return New(m, serializationDir, it, train, validation, cfg, opts)
}

func New(m model.Model, serializationDir string, it data.Iterator, train, validation []data.Instance, cfg Config, opts Options) (*Trainer, error) {
	if cfg.NumEpochs <= 0 {
		return nil, params.NewConfigurationError(params.ErrInvalidValue, "num_epochs must be positive, got %d", cfg.NumEpochs)
	}
	if cfg.Patience < 0 {
		return nil, params.NewConfigurationError(params.ErrInvalidValue, "patience must not be negative, got %d", cfg.Patience)
	}

	name, higher, err := parseValidationMetric(cfg.ValidationMetric)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		model:            m,
		serializationDir: serializationDir,
		iterator:         it,
		train:            train,
		validation:       validation,
		cfg:              cfg,
		opts:             opts.withDefaults(),
		metricName:       name,
		higherIsBetter:   higher,
	}, nil
}

// parseValidationMetric splits "+accuracy" or "-loss" into the metric name and
// its direction.
func parseValidationMetric(s string) (string, bool, error) {
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return "", false, params.NewConfigurationError(params.ErrInvalidValue,
			"validation_metric must start with + or -, got %q", s)
	}
	return s[1:], s[0] == '+', nil
}

// Train runs the epoch loop. It checks ctx between batches and returns an
// error wrapping ctx.Err() when cancelled; checkpoints written so far stay on
// disk. On success the best weights are loaded back into the model.
func (t *Trainer) Train(ctx context.Context) (Metrics, error) {
	if len(t.train) == 0 {
		return nil, ErrNoTrainingData
	}
	log := t.opts.Logger
	start := time.Now()

	var (
		best           float64
		bestEpoch      = -1
		bestMetrics    Metrics
		sinceBest      int
		epochMetrics   Metrics
		keptCheckpoint []int
		epoch          int
	)

	for epoch = 0; epoch < t.cfg.NumEpochs; epoch++ {
		log.Info("starting epoch", "epoch", epoch, "num_epochs", t.cfg.NumEpochs)

		trainMetrics, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}

		var validationMetrics Metrics
		if len(t.validation) > 0 {
			validationMetrics, err = Evaluate(ctx, t.model, t.validation, t.iterator, t.opts)
			if err != nil {
				return nil, fmt.Errorf("failed to validate epoch %d: %w", epoch, err)
			}
		}

		selection := trainMetrics
		if validationMetrics != nil {
			selection = validationMetrics
		}
		raw, ok := selection[t.metricName]
		if !ok {
			return nil, params.NewConfigurationError(params.ErrInvalidValue,
				"validation metric %q is not produced by the model", t.metricName)
		}
		value, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", t.metricName, err)
		}

		improved := bestEpoch < 0 || (t.higherIsBetter && value > best) || (!t.higherIsBetter && value < best)
		if improved {
			best, bestEpoch, sinceBest = value, epoch, 0
			bestMetrics = validationMetrics
			if err := t.model.SaveWeights(filepath.Join(t.serializationDir, BestWeightsFile)); err != nil {
				return nil, fmt.Errorf("failed to save best weights: %w", err)
			}
		} else {
			sinceBest++
		}

		epochMetrics = Metrics{"epoch": epoch, "best_epoch": bestEpoch}
		for k, v := range trainMetrics {
			epochMetrics["training_"+k] = v
		}
		for k, v := range validationMetrics {
			epochMetrics["validation_"+k] = v
		}
		for k, v := range bestMetrics {
			epochMetrics["best_validation_"+k] = v
		}

		if keptCheckpoint, err = t.checkpoint(epoch, epochMetrics, keptCheckpoint); err != nil {
			return nil, err
		}
		log.Info("finished epoch", "epoch", epoch, t.metricName, value, "best_epoch", bestEpoch)

		if t.cfg.Patience > 0 && sinceBest >= t.cfg.Patience {
			log.Info("ran out of patience, stopping training", "patience", t.cfg.Patience)
			epoch++
			break
		}
	}

	if err := t.model.LoadWeights(filepath.Join(t.serializationDir, BestWeightsFile)); err != nil {
		return nil, fmt.Errorf("failed to restore best weights: %w", err)
	}

	out := Metrics{}
	for k, v := range epochMetrics {
		out[k] = v
	}
	out["training_epochs"] = epoch
	out["training_duration"] = time.Since(start).Round(time.Millisecond).String()
	return out, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (Metrics, error) {
	batches, err := t.iterator.Batches(t.train, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build training batches: %w", err)
	}

	bar := progress.New(t.opts.Progress, fmt.Sprintf("epoch %d", epoch), len(batches), t.opts.FileFriendly)
	defer bar.Finish()

	var acc accumulator
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training interrupted in epoch %d: %w", epoch, err)
		}
		out, err := t.model.Step(batch, t.cfg.LearningRate)
		if err != nil {
			return nil, fmt.Errorf("training step failed: %w", err)
		}
		acc.add(out)
		bar.Add(1, acc.describe())
	}
	return acc.metrics(), nil
}

// checkpoint writes the epoch weights and metrics, then removes checkpoints
// beyond the retention count. A negative count keeps all of them.
func (t *Trainer) checkpoint(epoch int, metrics Metrics, kept []int) ([]int, error) {
	keep := t.cfg.NumSerializedModelsToKeep
	if keep != 0 {
		path := filepath.Join(t.serializationDir, fmt.Sprintf(epochWeightsPattern, epoch))
		if err := t.model.SaveWeights(path); err != nil {
			return kept, fmt.Errorf("failed to save epoch %d weights: %w", epoch, err)
		}
		kept = append(kept, epoch)
	}

	raw, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return kept, fmt.Errorf("failed to encode epoch metrics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.serializationDir, fmt.Sprintf(epochMetricsPattern, epoch)), raw, 0644); err != nil {
		return kept, fmt.Errorf("failed to write epoch metrics: %w", err)
	}

	for keep > 0 && len(kept) > keep {
		old := kept[0]
		kept = kept[1:]
		if err := os.Remove(filepath.Join(t.serializationDir, fmt.Sprintf(epochWeightsPattern, old))); err != nil && !os.IsNotExist(err) {
			return kept, fmt.Errorf("failed to remove old checkpoint: %w", err)
		}
	}
	return kept, nil
}

// Evaluate scores m on instances without updating it. It reports the mean
// loss and the accuracy over labelled instances.
func Evaluate(ctx context.Context, m model.Model, instances []data.Instance, it data.Iterator, opts Options) (Metrics, error) {
	opts = opts.withDefaults()
	batches, err := it.Batches(instances, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation batches: %w", err)
	}

	bar := progress.New(opts.Progress, "evaluating", len(batches), opts.FileFriendly)
	defer bar.Finish()

	var acc accumulator
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation interrupted: %w", err)
		}
		out, err := m.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed: %w", err)
		}
		acc.add(out)
		bar.Add(1, acc.describe())
	}
	return acc.metrics(), nil
}

type accumulator struct {
	loss    float64
	correct int
	total   int
}

func (a *accumulator) add(out model.Output) {
	a.loss += out.Loss
	a.correct += out.Correct
	a.total += out.Total
}

func (a *accumulator) metrics() Metrics {
	if a.total == 0 {
		return Metrics{"loss": 0.0, "accuracy": 0.0}
	}
	return Metrics{
		"loss":     a.loss / float64(a.total),
		"accuracy": float64(a.correct) / float64(a.total),
	}
}

func (a *accumulator) describe() string {
	m := a.metrics()
	parts := []string{
		fmt.Sprintf("accuracy: %.4f", m["accuracy"]),
		fmt.Sprintf("loss: %.4f", m["loss"]),
	}
	return strings.Join(parts, ", ")
}
