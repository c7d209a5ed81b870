// Package archive writes and reads model.tar.gz bundles.
//
// A bundle holds the training configuration (config.json), the best weights
// (weights.th), the vocabulary directory and, optionally, auxiliary files the
// configuration marked for inclusion. Auxiliary files are stored under fta/
// and listed in files_to_archive.json by their dotted configuration key.
package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

const (
	ArchiveFile          = "model.tar.gz"
	ConfigFile           = "config.json"
	WeightsFile          = "weights.th"
	VocabularyDir        = "vocabulary"
	FilesToArchiveFile   = "files_to_archive.json"
	FilesToArchivePrefix = "fta"

	// DefaultWeightsFile is the trainer's best checkpoint in a serialization
	// directory.
	DefaultWeightsFile = "best.th"
)

// WriteOptions tunes ArchiveModel.
type WriteOptions struct {
	// FilesToArchive maps dotted configuration keys to local file paths.
	FilesToArchive map[string]string

	// ModelConfig, when set, replaces the "model" section of the archived
	// configuration. The serialization directory's config.json is untouched.
	ModelConfig map[string]any
}

// ArchiveModel packs the serialization directory into
// <serializationDir>/model.tar.gz and returns the archive path.
func ArchiveModel(serializationDir string, opts WriteOptions) (string, error) {
	weights := filepath.Join(serializationDir, DefaultWeightsFile)
	if _, err := os.Stat(weights); err != nil {
		return "", fmt.Errorf("failed to find weights to archive: %w", err)
	}

	config, err := archivedConfig(filepath.Join(serializationDir, ConfigFile), opts.ModelConfig)
	if err != nil {
		return "", err
	}

	target := filepath.Join(serializationDir, ArchiveFile)
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	if err := writeArchive(f, serializationDir, weights, config, opts.FilesToArchive); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return target, nil
}

func archivedConfig(path string, modelConfig map[string]any) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if modelConfig == nil {
		return raw, nil
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	tree["model"] = modelConfig
	out, err := json.MarshalIndent(tree, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return out, nil
}

func writeArchive(w io.Writer, dir, weights string, config []byte, filesToArchive map[string]string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := addBytes(tw, ConfigFile, config); err != nil {
		return err
	}
	if err := addFile(tw, weights, WeightsFile); err != nil {
		return err
	}
	if err := addDir(tw, filepath.Join(dir, VocabularyDir), VocabularyDir); err != nil {
		return err
	}

	if len(filesToArchive) > 0 {
		keys := make([]string, 0, len(filesToArchive))
		for k := range filesToArchive {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		listing, err := json.MarshalIndent(filesToArchive, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", FilesToArchiveFile, err)
		}
		if err := addBytes(tw, FilesToArchiveFile, listing); err != nil {
			return err
		}
		for _, key := range keys {
			if err := addFile(tw, filesToArchive[key], FilesToArchivePrefix+"/"+key); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func addBytes(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func addDir(tw *tar.Writer, dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFile(tw, filepath.Join(dir, e.Name()), prefix+"/"+e.Name()); err != nil {
			return err
		}
	}
	return nil
}
