// Package model defines the trainable model interface, the model registry and
// parameter freezing.
package model

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

// Parameter is a named weight tensor stored flat in row-major order.
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float64
	RequiresGrad bool
}

// Output is the result of running a model over one batch.
type Output struct {
	Loss    float64
	Correct int
	Total   int
}

// Model is a trainable model that owns its vocabulary.
type Model interface {
	Type() string
	Vocab() *vocab.Vocabulary
	NamedParameters() []*Parameter

	// Forward scores a batch without updating any parameter.
	Forward(batch data.Batch) (Output, error)
	// Step scores a batch and applies one gradient step of size lr to
	// parameters that require gradients.
	Step(batch data.Batch, lr float64) (Output, error)

	SaveWeights(path string) error
	LoadWeights(path string) error
}

// Constructor builds a model from its configuration section.
type Constructor func(p *params.Params, v *vocab.Vocabulary) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a model type available to FromParams.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Types returns the registered model type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FromParams builds the model named by the "type" key of p.
func FromParams(p *params.Params, v *vocab.Vocabulary) (Model, error) {
	name, err := p.RequiredString("type")
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, params.NewConfigurationError(params.ErrInvalidValue, "unknown model type %q", name)
	}
	return ctor(p, v)
}

// Freeze disables gradients for every parameter whose name matches at least
// one pattern and enables them for all others. Matching is unanchored.
func Freeze(m Model, patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return params.NewConfigurationError(params.ErrInvalidValue, "invalid no_grad pattern %q: %v", pat, err)
		}
		compiled = append(compiled, re)
	}

	for _, param := range m.NamedParameters() {
		param.RequiresGrad = !matchesAny(compiled, param.Name)
	}
	return nil
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// FrozenAndTunable partitions the parameter names of m by RequiresGrad,
// preserving parameter order.
func FrozenAndTunable(m Model) (frozen, tunable []string) {
	for _, param := range m.NamedParameters() {
		if param.RequiresGrad {
			tunable = append(tunable, param.Name)
		} else {
			frozen = append(frozen, param.Name)
		}
	}
	return frozen, tunable
}

func checkShape(name string, rank int, shape []int, values []float64) error {
	if len(shape) != rank {
		return fmt.Errorf("parameter %s: expected rank %d, got %d", name, rank, len(shape))
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("parameter %s: shape %v does not match %d values", name, shape, len(values))
	}
	return nil
}
