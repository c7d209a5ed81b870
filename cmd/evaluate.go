/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valpere/retrain/internal/archive"
	"github.com/valpere/retrain/internal/data"
	"github.com/valpere/retrain/internal/orchestrator"
	"github.com/valpere/retrain/internal/training"
)

var (
	evalArchiveFile  string
	evalInputFile    string
	evalOutputFile   string
	evalFileFriendly bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate an archived model on a dataset",
	Long: `Evaluate a model archive on a dataset file. The dataset is read with the
archived validation_dataset_reader, or dataset_reader when there is none, and
batched with the archived iterator settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		a, err := archive.Load(evalArchiveFile)
		if err != nil {
			return err
		}
		defer a.Close()

		readerKey := "dataset_reader"
		if a.Config.Has("validation_dataset_reader") {
			readerKey = "validation_dataset_reader"
		}
		readerParams, err := a.Config.Sub(readerKey)
		if err != nil {
			return err
		}
		reader, err := data.ReaderFromParams(readerParams)
		if err != nil {
			return err
		}
		instances, err := reader.Read(evalInputFile)
		if err != nil {
			return err
		}
		logger.Info("read evaluation data", "path", evalInputFile, "instances", len(instances))

		iteratorParams, err := a.Config.Sub("iterator")
		if err != nil {
			return err
		}
		it, err := data.IteratorFromParams(iteratorParams, orchestrator.DefaultSeed)
		if err != nil {
			return err
		}
		it.IndexWith(a.Model.Vocab())

		metrics, err := training.Evaluate(ctx, a.Model, instances, it, training.Options{
			Logger:       logger.Slog(),
			FileFriendly: evalFileFriendly,
		})
		if err != nil {
			return err
		}

		fmt.Println("Metrics:")
		printMetrics(metrics)

		if evalOutputFile != "" {
			raw, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode metrics: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(evalOutputFile), 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			if err := os.WriteFile(evalOutputFile, raw, 0644); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evalArchiveFile, "archive-file", "", "Path to the model archive (required)")
	evaluateCmd.Flags().StringVar(&evalInputFile, "input-file", "", "Dataset file to evaluate on (required)")
	evaluateCmd.Flags().StringVar(&evalOutputFile, "output-file", "", "Optional file to write the metrics to as JSON")
	evaluateCmd.Flags().BoolVar(&evalFileFriendly, "file-friendly-logging", false, "Write progress as slow line updates suited to log files")

	evaluateCmd.MarkFlagRequired("archive-file")
	evaluateCmd.MarkFlagRequired("input-file")
}
