package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/valpere/retrain/internal/model"
	"github.com/valpere/retrain/internal/params"
	"github.com/valpere/retrain/internal/vocab"
)

// LoadError reports a missing, corrupt or incompatible archive.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load archive %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Archive is a loaded model bundle.
type Archive struct {
	Model  model.Model
	Config *params.Params

	// ModelConfig is a copy of the "model" section the model was built from.
	ModelConfig map[string]any

	// Dir holds the unpacked bundle. Auxiliary files referenced by Config
	// live below it.
	Dir string

	extracted bool
}

// Close removes the directory a .tar.gz bundle was unpacked into.
func (a *Archive) Close() error {
	if !a.extracted {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// Load reads a model bundle from a model.tar.gz file or from an unpacked
// bundle directory. Any failure is returned as a *LoadError.
func Load(path string) (*Archive, error) {
	a, err := load(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return a, nil
}

func load(path string) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	a := &Archive{Dir: path}
	if !info.IsDir() {
		dir, err := os.MkdirTemp("", "retrain-archive-")
		if err != nil {
			return nil, fmt.Errorf("failed to create extraction directory: %w", err)
		}
		a.Dir, a.extracted = dir, true
		if err := extract(path, dir); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.read(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) read() error {
	overrides, err := a.ftaOverrides()
	if err != nil {
		return err
	}
	config, err := params.FromFile(filepath.Join(a.Dir, ConfigFile), overrides)
	if err != nil {
		return err
	}

	v, err := vocab.FromFiles(filepath.Join(a.Dir, VocabularyDir))
	if err != nil {
		return err
	}

	if !config.Has("model") {
		return errors.New("configuration has no model section")
	}
	modelParams, err := config.Sub("model")
	if err != nil {
		return err
	}
	modelConfig, err := modelParams.AsDict()
	if err != nil {
		return err
	}
	m, err := model.FromParams(modelParams, v)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	if err := m.LoadWeights(filepath.Join(a.Dir, WeightsFile)); err != nil {
		return err
	}

	a.Model, a.Config, a.ModelConfig = m, config, modelConfig
	return nil
}

// ftaOverrides points every archived auxiliary file key at its unpacked copy.
func (a *Archive) ftaOverrides() (string, error) {
	raw, err := os.ReadFile(filepath.Join(a.Dir, FilesToArchiveFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var listing map[string]string
	if err := json.Unmarshal(raw, &listing); err != nil {
		return "", fmt.Errorf("invalid %s: %w", FilesToArchiveFile, err)
	}
	replacements := make(map[string]string, len(listing))
	for key := range listing {
		replacements[key] = filepath.Join(a.Dir, FilesToArchivePrefix, key)
	}
	out, err := json.Marshal(replacements)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func extract(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt archive: %w", err)
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes the extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
