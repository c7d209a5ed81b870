// Package orchestrator runs the fine-tune workflow: it continues training a
// loaded model on a new configuration and packages the result.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valpere/retrain/internal/archive"
	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/logging"
	"github.com/valpere/retrain/internal/model"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/training"
	"github.com/valpere/retrain/internal/vocab"
)

const (
	LogFile     = "stdout.log"
	MetricsFile = "metrics.json"
)

// Trainer is anything that can run a training loop to completion.
type Trainer interface {
	Train(ctx context.Context) (training.Metrics, error)
}

// Dependencies are the collaborators FineTune delegates to.
type Dependencies struct {
	BuildDatasets func(ctx context.Context, p *params.Params) (data.Datasets, error)
	NewIterator   func(p *params.Params, seed int64) (data.Iterator, error)
	NewTrainer    func(m model.Model, serializationDir string, it data.Iterator, train, validation []data.Instance, p *params.Params, opts training.Options) (Trainer, error)
	Evaluate      func(ctx context.Context, m model.Model, instances []data.Instance, it data.Iterator, opts training.Options) (training.Metrics, error)
	Archive       func(serializationDir string, opts archive.WriteOptions) (string, error)
}

// DefaultDependencies wires the reference dataset reader, iterator, trainer
// and archiver.
func DefaultDependencies() Dependencies {
	return Dependencies{
		BuildDatasets: data.DatasetsFromParams,
		NewIterator:   data.IteratorFromParams,
		NewTrainer: func(m model.Model, serializationDir string, it data.Iterator, train, validation []data.Instance, p *params.Params, opts training.Options) (Trainer, error) {
			t, err := training.FromParams(m, serializationDir, it, train, validation, p, opts)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		Evaluate: training.Evaluate,
		Archive:  archive.ArchiveModel,
	}
}

// Options are the per-run switches of FineTune.
type Options struct {
	ExtendVocab bool

	// ModelConfig is the model section of the loaded bundle. It is written
	// into the new archive so the fine-tuned model can be loaded again.
	ModelConfig map[string]any
}

type Orchestrator struct {
	deps Dependencies
	env  Environment
}

// New returns an Orchestrator. Nil dependencies fall back to the defaults.
func New(deps Dependencies, env Environment) *Orchestrator {
	defaults := DefaultDependencies()
	if deps.BuildDatasets == nil {
		deps.BuildDatasets = defaults.BuildDatasets
	}
	if deps.NewIterator == nil {
		deps.NewIterator = defaults.NewIterator
	}
	if deps.NewTrainer == nil {
		deps.NewTrainer = defaults.NewTrainer
	}
	if deps.Evaluate == nil {
		deps.Evaluate = defaults.Evaluate
	}
	if deps.Archive == nil {
		deps.Archive = defaults.Archive
	}
	if env.Logger == nil {
		env.Logger = logging.Discard()
	}
	if env.Seed == 0 {
		env.Seed = DefaultSeed
	}
	if env.Progress == nil {
		env.Progress = os.Stderr
	}

	return &Orchestrator{
		deps: deps,
		env:  env,
	}
}

func (o *Orchestrator) trainingOptions() training.Options {
	return training.Options{
		Logger:       o.env.Logger.Slog(),
		Progress:     o.env.Progress,
		FileFriendly: o.env.FileFriendly,
	}
}

// FineTune continues training m with the configuration p and writes every
// artifact into serializationDir, which must be empty or absent. The model is
// changed in place and returned.
//
// When ctx is cancelled during training, the best weights written so far are
// archived and the cancellation error is returned.
func (o *Orchestrator) FineTune(ctx context.Context, m model.Model, p *params.Params, serializationDir string, opts Options) (model.Model, error) {
	if err := prepareDirectory(serializationDir); err != nil {
		return nil, err
	}

	log := o.env.Logger
	detach, err := log.AttachFile(filepath.Join(serializationDir, LogFile))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := detach(); err != nil {
			log.Warn("failed to close run log", "error", err)
		}
	}()

	if err := writeConfig(serializationDir, p); err != nil {
		return nil, err
	}

	if p.Has("model") {
		log.Warn("the model section of the configuration is ignored when fine-tuning; the archived model is used instead")
	}
	p.Consume("model")

	vocabParams, err := p.Sub("vocabulary")
	if err != nil {
		return nil, err
	}
	vocabDir, err := vocabParams.String("directory_path", "")
	if err != nil {
		return nil, err
	}
	if vocabDir != "" {
		log.Warn("vocabulary.directory_path is ignored when fine-tuning; the archived vocabulary is used instead")
	}
	var vocabCfg vocab.Config
	if err := vocabParams.Decode(&vocabCfg); err != nil {
		return nil, err
	}

	datasets, err := o.deps.BuildDatasets(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to build datasets: %w", err)
	}

	if opts.ExtendVocab {
		if err := o.extendVocabulary(m, p, datasets, vocabCfg); err != nil {
			return nil, err
		}
	}

	if err := m.Vocab().SaveToFiles(filepath.Join(serializationDir, archive.VocabularyDir)); err != nil {
		return nil, fmt.Errorf("failed to save vocabulary: %w", err)
	}

	iteratorParams, err := p.Sub("iterator")
	if err != nil {
		return nil, err
	}
	it, err := o.deps.NewIterator(iteratorParams, o.env.Seed)
	if err != nil {
		return nil, err
	}
	it.IndexWith(m.Vocab())

	train := datasets[data.SplitTrain]
	validation := datasets[data.SplitValidation]
	test := datasets[data.SplitTest]

	trainerParams, err := p.Sub("trainer")
	if err != nil {
		return nil, err
	}
	noGrad, err := trainerParams.Strings("no_grad", nil)
	if err != nil {
		return nil, err
	}
	if err := model.Freeze(m, noGrad); err != nil {
		return nil, err
	}
	frozen, tunable := model.FrozenAndTunable(m)
	log.Info("following parameters are frozen (without gradient)", "parameters", frozen)
	log.Info("following parameters are tunable (with gradient)", "parameters", tunable)

	trainer, err := o.deps.NewTrainer(m, serializationDir, it, train, validation, trainerParams, o.trainingOptions())
	if err != nil {
		return nil, err
	}

	evaluateOnTest, err := p.Bool("evaluate_on_test", false)
	if err != nil {
		return nil, err
	}
	if err := p.AssertEmpty("base train command"); err != nil {
		return nil, err
	}

	writeOpts := archive.WriteOptions{
		FilesToArchive: p.FilesToArchive(),
		ModelConfig:    opts.ModelConfig,
	}

	metrics, err := trainer.Train(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.archivePartial(serializationDir, writeOpts)
			return nil, err
		}
		return nil, fmt.Errorf("training failed: %w", err)
	}
	if metrics == nil {
		metrics = training.Metrics{}
	}

	archivePath, err := o.deps.Archive(serializationDir, writeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to archive model: %w", err)
	}
	log.Info("archived model", "path", archivePath)

	if len(test) > 0 {
		if evaluateOnTest {
			log.Info("evaluating the fine-tuned model on the test set", "instances", len(test))
			testMetrics, err := o.deps.Evaluate(ctx, m, test, it, o.trainingOptions())
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate on test data: %w", err)
			}
			for k, v := range testMetrics {
				metrics["test_"+k] = v
			}
		} else {
			log.Info("to evaluate on the test set after training, set evaluate_on_test or run the evaluate command")
		}
	}

	if err := writeMetrics(serializationDir, metrics); err != nil {
		return nil, err
	}
	log.Info("fine-tuning finished", "metrics", metrics, "path", filepath.Join(serializationDir, MetricsFile))
	return m, nil
}

// extendVocabulary grows the model vocabulary from the splits listed in
// datasets_for_vocab_creation, defaulting to every built split. Repeated names
// count once. Unknown split names fail before the vocabulary is touched.
func (o *Orchestrator) extendVocabulary(m model.Model, p *params.Params, datasets data.Datasets, cfg vocab.Config) error {
	requested, err := p.Strings("datasets_for_vocab_creation", datasets.Splits())
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(requested))
	unique := requested[:0:0]
	for _, name := range requested {
		if _, ok := datasets[name]; !ok {
			return params.NewConfigurationError(ErrInvalidVocabSource,
				"invalid dataset for vocabulary creation: %s", name)
		}
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}
	requested = unique

	var instances []data.Instance
	for _, name := range requested {
		instances = append(instances, datasets[name]...)
	}

	before := m.Vocab().Size(data.TokensNamespace)
	o.env.Logger.Info("extending model vocabulary", "datasets", requested, "instances", len(instances))
	if err := m.Vocab().Extend(cfg, data.CountVocabItems(instances)); err != nil {
		return err
	}
	o.env.Logger.Info("extended model vocabulary", "namespace", data.TokensNamespace,
		"before", before, "after", m.Vocab().Size(data.TokensNamespace))
	return nil
}

// archivePartial packages the best checkpoint after an interrupted run. It is
// best effort: failures are logged only.
func (o *Orchestrator) archivePartial(serializationDir string, opts archive.WriteOptions) {
	log := o.env.Logger
	if _, err := os.Stat(filepath.Join(serializationDir, training.BestWeightsFile)); err != nil {
		log.Warn("fine-tuning interrupted before the first checkpoint; no archive written")
		return
	}
	log.Info("fine-tuning interrupted; archiving the current best epoch weights")
	path, err := o.deps.Archive(serializationDir, opts)
	if err != nil {
		log.Error("failed to archive interrupted run", "error", err)
		return
	}
	log.Info("archived model", "path", path)
}

func prepareDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case err == nil && len(entries) > 0:
		return params.NewConfigurationError(ErrDirectoryNotEmpty,
			"serialization directory (%s) already exists and is not empty", dir)
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("failed to inspect serialization directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create serialization directory: %w", err)
	}
	return nil
}

func writeConfig(dir string, p *params.Params) error {
	tree, err := p.AsDict()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(tree, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, archive.ConfigFile), raw, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

func writeMetrics(dir string, metrics training.Metrics) error {
	raw, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetricsFile), raw, 0644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
