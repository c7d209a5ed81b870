package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

const (
	BagOfWordsType = "bag_of_words"

	WeightName = "text_field_embedder.token_embedder_tokens.weight"
	BiasName   = "projection.bias"
)

// ErrNoLabels is returned when the label namespace of the vocabulary is empty.
var ErrNoLabels = errors.New("vocabulary has no labels")

func init() {
	Register(BagOfWordsType, newBagOfWordsFromParams)
}

// BagOfWordsConfig is the "model" section of a bag_of_words model.
type BagOfWordsConfig struct {
	TokensNamespace string `mapstructure:"tokens_namespace"`
	LabelsNamespace string `mapstructure:"labels_namespace"`
	TextField       string `mapstructure:"text_field"`
	LabelField      string `mapstructure:"label_field"`
}

func DefaultBagOfWordsConfig() BagOfWordsConfig {
	return BagOfWordsConfig{
		TokensNamespace: data.TokensNamespace,
		LabelsNamespace: data.LabelsNamespace,
		TextField:       data.TokensKey,
		LabelField:      data.LabelKey,
	}
}

// BagOfWords is a softmax classifier over the mean of per-token weight rows.
// Its weight matrix grows when the vocabulary grows; existing rows are kept.
type BagOfWords struct {
	cfg    BagOfWordsConfig
	vocab  *vocab.Vocabulary
	weight *Parameter
	bias   *Parameter
}

func newBagOfWordsFromParams(p *params.Params, v *vocab.Vocabulary) (Model, error) {
	cfg := DefaultBagOfWordsConfig()
	if err := p.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewBagOfWords(cfg, v), nil
}

// NewBagOfWords returns a zero-initialized model sized to v.
func NewBagOfWords(cfg BagOfWordsConfig, v *vocab.Vocabulary) *BagOfWords {
	m := &BagOfWords{
		cfg:    cfg,
		vocab:  v,
		weight: &Parameter{Name: WeightName, Shape: []int{0, 0}, RequiresGrad: true},
		bias:   &Parameter{Name: BiasName, Shape: []int{0}, RequiresGrad: true},
	}
	m.sync()
	return m
}

func (m *BagOfWords) Type() string { return BagOfWordsType }

func (m *BagOfWords) Vocab() *vocab.Vocabulary { return m.vocab }

func (m *BagOfWords) NamedParameters() []*Parameter {
	m.sync()
	return []*Parameter{m.weight, m.bias}
}

// sync resizes the parameters to the current vocabulary sizes.
func (m *BagOfWords) sync() {
	nt := m.vocab.Size(m.cfg.TokensNamespace)
	nl := m.vocab.Size(m.cfg.LabelsNamespace)
	ot, ol := m.weight.Shape[0], m.weight.Shape[1]
	if nt == ot && nl == ol {
		return
	}

	w := make([]float64, nt*nl)
	for t := 0; t < min(ot, nt); t++ {
		for k := 0; k < min(ol, nl); k++ {
			w[t*nl+k] = m.weight.Data[t*ol+k]
		}
	}
	b := make([]float64, nl)
	copy(b, m.bias.Data)

	m.weight.Data, m.weight.Shape = w, []int{nt, nl}
	m.bias.Data, m.bias.Shape = b, []int{nl}
}

func (m *BagOfWords) Forward(batch data.Batch) (Output, error) {
	return m.run(batch, 0, false)
}

func (m *BagOfWords) Step(batch data.Batch, lr float64) (Output, error) {
	return m.run(batch, lr, true)
}

// run computes the summed cross-entropy over labelled instances and, when
// update is set, applies the mean gradient of the batch.
func (m *BagOfWords) run(batch data.Batch, lr float64, update bool) (Output, error) {
	m.sync()
	nt, nl := m.weight.Shape[0], m.weight.Shape[1]
	if nl == 0 {
		return Output{}, ErrNoLabels
	}

	tokens := batch.Tokens[m.cfg.TextField]
	labels := batch.Labels[m.cfg.LabelField]

	var out Output
	gradW := map[int][]float64{}
	gradB := make([]float64, nl)
	logits := make([]float64, nl)

	for i := 0; i < batch.Size; i++ {
		var ids []int
		if i < len(tokens) {
			ids = validIDs(tokens[i], nt)
		}
		m.logits(ids, logits)
		probs := softmax(logits)

		y := data.NoLabel
		if i < len(labels) {
			y = labels[i]
		}
		if y < 0 || y >= nl {
			continue
		}

		out.Total++
		out.Loss -= math.Log(math.Max(probs[y], 1e-12))
		if argmax(probs) == y {
			out.Correct++
		}
		if !update {
			continue
		}

		probs[y] -= 1
		for k, g := range probs {
			gradB[k] += g
		}
		if len(ids) == 0 {
			continue
		}
		scale := 1 / float64(len(ids))
		for _, t := range ids {
			row, ok := gradW[t]
			if !ok {
				row = make([]float64, nl)
				gradW[t] = row
			}
			for k, g := range probs {
				row[k] += g * scale
			}
		}
	}

	if update && out.Total > 0 {
		step := lr / float64(out.Total)
		if m.weight.RequiresGrad {
			for t, row := range gradW {
				for k, g := range row {
					m.weight.Data[t*nl+k] -= step * g
				}
			}
		}
		if m.bias.RequiresGrad {
			for k, g := range gradB {
				m.bias.Data[k] -= step * g
			}
		}
	}
	return out, nil
}

func validIDs(ids []int, n int) []int {
	out := ids[:0:0]
	for _, id := range ids {
		if id >= 0 && id < n {
			out = append(out, id)
		}
	}
	return out
}

func (m *BagOfWords) logits(ids []int, dst []float64) {
	nl := len(dst)
	copy(dst, m.bias.Data)
	if len(ids) == 0 {
		return
	}
	scale := 1 / float64(len(ids))
	for _, t := range ids {
		row := m.weight.Data[t*nl : (t+1)*nl]
		for k, w := range row {
			dst[k] += w * scale
		}
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

type savedParameter struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// SaveWeights writes the parameters as a JSON object keyed by name.
func (m *BagOfWords) SaveWeights(path string) error {
	state := make(map[string]savedParameter)
	for _, p := range m.NamedParameters() {
		state[p.Name] = savedParameter{Shape: p.Shape, Data: p.Data}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return nil
}

// LoadWeights replaces the parameter values with those stored at path.
// Gradient flags are left untouched.
func (m *BagOfWords) LoadWeights(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read weights: %w", err)
	}
	var state map[string]savedParameter
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to decode weights %s: %w", path, err)
	}

	for _, p := range []*Parameter{m.weight, m.bias} {
		saved, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("weights %s: missing parameter %s", path, p.Name)
		}
		if err := checkShape(p.Name, len(p.Shape), saved.Shape, saved.Data); err != nil {
			return fmt.Errorf("weights %s: %w", path, err)
		}
		p.Shape, p.Data = saved.Shape, saved.Data
	}
	if m.weight.Shape[1] != m.bias.Shape[0] {
		return fmt.Errorf("weights %s: weight has %d labels, bias has %d", path, m.weight.Shape[1], m.bias.Shape[0])
	}
	// the vocabulary may have grown since the weights were written
	m.sync()
	return nil
}
