package data

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

// ErrNotIndexed is returned by Batches before IndexWith has been called.
var ErrNotIndexed = errors.New("iterator has no vocabulary")

// NoLabel marks a missing or unknown label in a Batch.
const NoLabel = -1

// Batch is a group of instances converted to vocabulary indices.
type Batch struct {
	Size   int
	Tokens map[string][][]int
	Labels map[string][]int
}

// Iterator groups instances into indexed batches.
type Iterator interface {
	IndexWith(v *vocab.Vocabulary)
	Batches(instances []Instance, shuffle bool) ([]Batch, error)
	NumBatches(instances []Instance) int
}

// IteratorConfig is the "iterator" configuration section.
type IteratorConfig struct {
	Type                 string `mapstructure:"type"`
	BatchSize            int    `mapstructure:"batch_size"`
	Shuffle              bool   `mapstructure:"shuffle"`
	MaxInstancesInMemory int    `mapstructure:"max_instances_in_memory"`
}

// DefaultIteratorConfig returns the defaults applied before decoding.
func DefaultIteratorConfig() IteratorConfig {
	return IteratorConfig{Type: "basic", BatchSize: 32, Shuffle: true}
}

// IteratorFromParams builds the iterator described by the "iterator" section.
// seed drives shuffling so runs are reproducible.
func IteratorFromParams(p *params.Params, seed int64) (Iterator, error) {
	cfg := DefaultIteratorConfig()
	if err := p.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, params.NewConfigurationError(params.ErrInvalidValue,
			"iterator batch_size must be positive, got %d", cfg.BatchSize)
	}
	switch cfg.Type {
	case "basic", "bucket":
		return NewBasicIterator(cfg, seed), nil
	default:
		return nil, params.NewConfigurationError(params.ErrInvalidValue,
			"unknown iterator type %q", cfg.Type)
	}
}

// BasicIterator batches instances in order, or by length for the "bucket"
// type. Instances are processed in chunks of MaxInstancesInMemory when set.
type BasicIterator struct {
	cfg   IteratorConfig
	rng   *rand.Rand
	vocab *vocab.Vocabulary
}

func NewBasicIterator(cfg IteratorConfig, seed int64) *BasicIterator {
	return &BasicIterator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (it *BasicIterator) IndexWith(v *vocab.Vocabulary) {
	it.vocab = v
}

func (it *BasicIterator) NumBatches(instances []Instance) int {
	n := 0
	for _, chunk := range it.chunks(instances) {
		n += (len(chunk) + it.cfg.BatchSize - 1) / it.cfg.BatchSize
	}
	return n
}

func (it *BasicIterator) chunks(instances []Instance) [][]Instance {
	size := it.cfg.MaxInstancesInMemory
	if size <= 0 || size >= len(instances) {
		if len(instances) == 0 {
			return nil
		}
		return [][]Instance{instances}
	}
	var out [][]Instance
	for start := 0; start < len(instances); start += size {
		end := min(start+size, len(instances))
		out = append(out, instances[start:end])
	}
	return out
}

// Batches converts instances into batches. Shuffling happens only when both
// shuffle and the configured shuffle flag are set.
func (it *BasicIterator) Batches(instances []Instance, shuffle bool) ([]Batch, error) {
	if it.vocab == nil {
		return nil, ErrNotIndexed
	}
	shuffle = shuffle && it.cfg.Shuffle

	var batches []Batch
	for _, chunk := range it.chunks(instances) {
		chunk = append([]Instance(nil), chunk...)
		if it.cfg.Type == "bucket" {
			sort.SliceStable(chunk, func(i, j int) bool {
				return instanceLength(chunk[i]) < instanceLength(chunk[j])
			})
		} else if shuffle {
			it.rng.Shuffle(len(chunk), func(i, j int) { chunk[i], chunk[j] = chunk[j], chunk[i] })
		}
		for start := 0; start < len(chunk); start += it.cfg.BatchSize {
			end := min(start+it.cfg.BatchSize, len(chunk))
			batches = append(batches, it.index(chunk[start:end]))
		}
	}
	if shuffle && it.cfg.Type == "bucket" {
		it.rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches, nil
}

func instanceLength(inst Instance) int {
	n := 0
	for _, f := range inst.Fields {
		if tf, ok := f.(TextField); ok {
			n += len(tf.Tokens)
		}
	}
	return n
}

func (it *BasicIterator) index(instances []Instance) Batch {
	b := Batch{
		Size:   len(instances),
		Tokens: make(map[string][][]int),
		Labels: make(map[string][]int),
	}
	for i, inst := range instances {
		for name, f := range inst.Fields {
			switch f := f.(type) {
			case TextField:
				if b.Tokens[name] == nil {
					b.Tokens[name] = make([][]int, len(instances))
				}
				ids := make([]int, len(f.Tokens))
				for j, tok := range f.Tokens {
					ids[j], _ = it.vocab.TokenIndex(tok, f.Namespace)
				}
				b.Tokens[name][i] = ids
			case LabelField:
				if b.Labels[name] == nil {
					b.Labels[name] = make([]int, len(instances))
					for j := range b.Labels[name] {
						b.Labels[name][j] = NoLabel
					}
				}
				if idx, ok := it.vocab.TokenIndex(f.Label, f.Namespace); ok {
					b.Labels[name][i] = idx
				}
			}
		}
	}
	return b
}
