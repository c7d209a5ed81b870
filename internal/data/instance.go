// Package data builds training instances from files and batches them for the
// trainer.
package data

import (
	"sort"

	"github.com/valpere/retrain/internal/vocab"
)

// Field is one named component of an Instance.
type Field interface {
	CountVocabItems(counter vocab.Counter)
}

// TextField is a tokenized text whose tokens live in Namespace.
type TextField struct {
	Tokens    []string
	Namespace string
}

func (f TextField) CountVocabItems(counter vocab.Counter) {
	for _, tok := range f.Tokens {
		counter.Add(f.Namespace, tok)
	}
}

// LabelField is a categorical label stored in Namespace.
type LabelField struct {
	Label     string
	Namespace string
}

func (f LabelField) CountVocabItems(counter vocab.Counter) {
	counter.Add(f.Namespace, f.Label)
}

// Instance is a single example.
type Instance struct {
	Fields map[string]Field
}

// NewInstance builds an Instance from named fields.
func NewInstance(fields map[string]Field) Instance {
	return Instance{Fields: fields}
}

// CountVocabItems adds the tokens of every field of inst to counter.
func (inst Instance) CountVocabItems(counter vocab.Counter) {
	for _, f := range inst.Fields {
		f.CountVocabItems(counter)
	}
}

// Datasets maps a split name such as "train" to its instances.
type Datasets map[string][]Instance

// Splits returns the split names in sorted order.
func (d Datasets) Splits() []string {
	out := make([]string, 0, len(d))
	for name := range d {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CountVocabItems counts the tokens of every instance in instances.
func CountVocabItems(instances []Instance) vocab.Counter {
	counter := vocab.Counter{}
	for _, inst := range instances {
		inst.CountVocabItems(counter)
	}
	return counter
}
