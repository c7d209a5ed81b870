package data

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/valpere/retrain/internal/params"
)

const (
	SplitTrain      = "train"
	SplitValidation = "validation"
	SplitTest       = "test"
)

// DatasetsFromParams reads the train split and, when configured, the
// validation and test splits. Splits are read concurrently.
//
// Keys consumed: dataset_reader, validation_dataset_reader, train_data_path,
// validation_data_path, test_data_path.
func DatasetsFromParams(ctx context.Context, p *params.Params) (Datasets, error) {
	if !p.Has("dataset_reader") {
		p.Consume("dataset_reader")
		return nil, params.NewConfigurationError(params.ErrMissingKey, "key %q is required", "dataset_reader")
	}
	readerParams, err := p.Sub("dataset_reader")
	if err != nil {
		return nil, err
	}
	reader, err := ReaderFromParams(readerParams)
	if err != nil {
		return nil, err
	}

	validationReader := reader
	if p.Has("validation_dataset_reader") {
		vp, err := p.Sub("validation_dataset_reader")
		if err != nil {
			return nil, err
		}
		if validationReader, err = ReaderFromParams(vp); err != nil {
			return nil, err
		}
	}

	trainPath, err := p.RequiredString("train_data_path")
	if err != nil {
		return nil, err
	}
	validationPath, err := p.String("validation_data_path", "")
	if err != nil {
		return nil, err
	}
	testPath, err := p.String("test_data_path", "")
	if err != nil {
		return nil, err
	}

	type job struct {
		split  string
		path   string
		reader DatasetReader
	}
	jobs := []job{{SplitTrain, trainPath, reader}}
	if validationPath != "" {
		jobs = append(jobs, job{SplitValidation, validationPath, validationReader})
	}
	if testPath != "" {
		jobs = append(jobs, job{SplitTest, testPath, validationReader})
	}

	var mu sync.Mutex
	datasets := make(Datasets, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			instances, err := j.reader.Read(j.path)
			if err != nil {
				return fmt.Errorf("failed to read %s data: %w", j.split, err)
			}
			mu.Lock()
			datasets[j.split] = instances
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return datasets, nil
}
