// Package params holds the experiment configuration tree.
//
// A Params value wraps a nested map loaded from a configuration file and an
// optional JSON override document. Reads are non-destructive: every accessor
// records the dotted key path it touched, and AssertEmpty reports any key that
// no component referenced. Sections that map onto Go structs are decoded with
// mapstructure so that typos inside a section surface as errors too.
package params

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	deepcopy "github.com/tiendc/go-deepcopy"
)

// keyDelimiter keeps viper from splitting keys that contain dots.
const keyDelimiter = "::"

type tracker struct {
	referenced     map[string]struct{}
	filesToArchive map[string]string
}

func (t *tracker) mark(path string) {
	t.referenced[path] = struct{}{}
}

// isReferenced reports whether path or any of its ancestors was referenced.
func (t *tracker) isReferenced(path string) bool {
	for {
		if _, ok := t.referenced[path]; ok {
			return true
		}
		i := strings.LastIndexByte(path, '.')
		if i < 0 {
			return false
		}
		path = path[:i]
	}
}

// Params is a view onto one level of the configuration tree.
type Params struct {
	tree    map[string]any
	history string
	tracker *tracker
}

// New wraps tree. The map is used as is and must not be mutated afterwards.
func New(tree map[string]any) *Params {
	if tree == nil {
		tree = map[string]any{}
	}
	return &Params{
		tree: tree,
		tracker: &tracker{
			referenced:     make(map[string]struct{}),
			filesToArchive: make(map[string]string),
		},
	}
}

// FromFile reads the configuration file at path and deep-merges the JSON
// override document on top of it. Dotted override keys such as
// "trainer.num_epochs" address nested sections.
func FromFile(path, overrides string) (*Params, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, &ParseError{Source: path, Err: err}
	}

	if strings.TrimSpace(overrides) != "" {
		var patch map[string]any
		if err := json.Unmarshal([]byte(overrides), &patch); err != nil {
			return nil, &ParseError{Source: "overrides", Err: err}
		}
		if err := v.MergeConfigMap(unflatten(patch)); err != nil {
			return nil, &ParseError{Source: "overrides", Err: err}
		}
	}

	return New(v.AllSettings()), nil
}

// unflatten expands {"a.b": 1} into {"a": {"b": 1}}, merging with siblings.
func unflatten(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if m, ok := value.(map[string]any); ok {
			value = unflatten(m)
		}
		parts := strings.Split(key, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[part] = next
			}
			cur = next
		}
		last := parts[len(parts)-1]
		if existing, ok := cur[last].(map[string]any); ok {
			if m, ok := value.(map[string]any); ok {
				mergeInto(existing, m)
				continue
			}
		}
		cur[last] = value
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if dm, ok := dst[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func (p *Params) path(key string) string {
	if p.history == "" {
		return key
	}
	return p.history + "." + key
}

// History returns the dotted path of this section, empty for the root.
func (p *Params) History() string {
	return p.history
}

// Has reports whether key is present with a non-nil value. It does not count
// as a reference.
func (p *Params) Has(key string) bool {
	v, ok := p.tree[key]
	return ok && v != nil
}

// Keys returns the keys of this section in sorted order.
func (p *Params) Keys() []string {
	keys := make([]string, 0, len(p.tree))
	for k := range p.tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the raw value under key and marks the whole subtree referenced.
func (p *Params) Get(key string) (any, bool) {
	p.tracker.mark(p.path(key))
	v, ok := p.tree[key]
	return v, ok && v != nil
}

// Consume marks key and everything below it as referenced without reading it.
func (p *Params) Consume(key string) {
	p.tracker.mark(p.path(key))
}

// Sub returns the nested section under key. A missing key yields an empty
// section. Sub itself does not mark anything referenced.
func (p *Params) Sub(key string) (*Params, error) {
	child := &Params{tree: map[string]any{}, history: p.path(key), tracker: p.tracker}
	raw, ok := p.tree[key]
	if !ok || raw == nil {
		return child, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, NewConfigurationError(ErrInvalidValue, "expected %q to be a section, got %T", p.path(key), raw)
	}
	child.tree = m
	return child, nil
}

// String returns key as a string, or def when absent.
func (p *Params) String(key, def string) (string, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", p.invalid(key, v, err)
	}
	return s, nil
}

// RequiredString returns key as a string and fails when it is absent.
func (p *Params) RequiredString(key string) (string, error) {
	if !p.Has(key) {
		p.Consume(key)
		return "", NewConfigurationError(ErrMissingKey, "key %q is required", p.path(key))
	}
	return p.String(key, "")
}

// Int returns key as an int, or def when absent.
func (p *Params) Int(key string, def int) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, p.invalid(key, v, err)
	}
	return n, nil
}

// Float returns key as a float64, or def when absent.
func (p *Params) Float(key string, def float64) (float64, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, p.invalid(key, v, err)
	}
	return f, nil
}

// Bool returns key as a bool, or def when absent.
func (p *Params) Bool(key string, def bool) (bool, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, p.invalid(key, v, err)
	}
	return b, nil
}

// Strings returns key as a list of strings, or def when absent.
func (p *Params) Strings(key string, def []string) ([]string, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	ss, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, p.invalid(key, v, err)
	}
	return ss, nil
}

func (p *Params) invalid(key string, v any, err error) error {
	return NewConfigurationError(ErrInvalidValue, "invalid value %v for %q: %v", v, p.path(key), err)
}

// Decode decodes every key of this section that has not been referenced yet
// into out, using `mapstructure` struct tags. Keys that out does not declare
// are reported as an ErrUnusedKeys configuration error.
func (p *Params) Decode(out any) error {
	rest := make(map[string]any, len(p.tree))
	for k, v := range p.tree {
		if !p.tracker.isReferenced(p.path(k)) {
			rest[k] = v
		}
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(rest); err != nil {
		return NewConfigurationError(ErrInvalidValue, "invalid section %q: %v", p.history, err)
	}
	for k := range rest {
		p.Consume(k)
	}
	if p.history != "" {
		p.tracker.mark(p.history)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return NewConfigurationError(ErrUnusedKeys, "extra parameters in %q: %s", p.history, strings.Join(md.Unused, ", "))
	}
	return nil
}

// Unused lists the dotted paths below this section that nobody referenced.
func (p *Params) Unused() []string {
	var out []string
	p.collectUnused(p.tree, p.history, &out)
	sort.Strings(out)
	return out
}

func (p *Params) collectUnused(tree map[string]any, prefix string, out *[]string) {
	for k, v := range tree {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if p.tracker.isReferenced(path) {
			continue
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			p.collectUnused(m, path, out)
			continue
		}
		*out = append(*out, path)
	}
}

// AssertEmpty fails when any key below this section was never referenced.
// name identifies the consumer in the error message.
func (p *Params) AssertEmpty(name string) error {
	unused := p.Unused()
	if len(unused) == 0 {
		return nil
	}
	return NewConfigurationError(ErrUnusedKeys, "extra parameters passed to %s: %s", name, strings.Join(unused, ", "))
}

// AsDict returns a deep copy of this section's tree.
func (p *Params) AsDict() (map[string]any, error) {
	out := make(map[string]any, len(p.tree))
	if err := deepcopy.Copy(&out, p.tree); err != nil {
		return nil, fmt.Errorf("failed to copy configuration: %w", err)
	}
	return out, nil
}

// AddFileToArchive registers the file path stored under key so that it is
// bundled into the model archive. Absent keys are ignored.
func (p *Params) AddFileToArchive(key string) error {
	if !p.Has(key) {
		return nil
	}
	s, err := cast.ToStringE(p.tree[key])
	if err != nil {
		return p.invalid(key, p.tree[key], err)
	}
	p.tracker.filesToArchive[p.path(key)] = s
	return nil
}

// FilesToArchive returns the registered files keyed by dotted config path.
func (p *Params) FilesToArchive() map[string]string {
	out := make(map[string]string, len(p.tracker.filesToArchive))
	for k, v := range p.tracker.filesToArchive {
		out[k] = v
	}
	return out
}
