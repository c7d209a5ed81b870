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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valpere/retrain/internal"
	"github.com/valpere/retrain/internal/archive"
	"github.com/valpere/retrain/internal/orchestrator"
	"github.com/valpere/retrain/internal/store"
)

var (
	modelArchive        string
	configFile          string
	serializationDir    string
	overrides           string
	extendVocab         bool
	fileFriendlyLogging bool

	dbPath  string
	noTrack bool

	uploadArchive string
	credentials   string
)

var fineTuneCmd = &cobra.Command{
	Use:   "fine-tune",
	Short: "Continue training an archived model on a new dataset",
	Long: `Continue training a model archive produced by an earlier run, using the datasets
and trainer settings of a new configuration file.

The model section of the configuration is ignored: the archived model and its
vocabulary are always used. With --extend-vocab the vocabulary is first grown
with the tokens of the new datasets.

Every run is recorded in the run ledger (see "retrain runs") unless --no-track
is given. Interrupting a run archives the best weights written so far.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		in, err := orchestrator.LoadInputs(modelArchive, configFile, overrides)
		if err != nil {
			return err
		}
		defer in.Close()

		env, err := orchestrator.PrepareEnvironment(in.Params, logger, fileFriendlyLogging)
		if err != nil {
			return err
		}

		// The ledger outlives a cancelled ctx, so it gets its own.
		ledgerCtx := context.Background()
		var db *store.Store
		runID := uuid.New().String()
		if !noTrack && dbPath != "" {
			db, err = openStore(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			run := internal.RunRecord{
				ID:               runID,
				ModelArchive:     modelArchive,
				ConfigFile:       configFile,
				SerializationDir: serializationDir,
				Overrides:        overrides,
				ExtendVocab:      extendVocab,
				Status:           internal.RunRunning,
				StartedAt:        time.Now(),
			}
			if err := db.SaveRun(ledgerCtx, run); err != nil {
				logger.Warn("failed to record run", "error", err)
				db = nil
			}
		}

		orch := orchestrator.New(orchestrator.DefaultDependencies(), env)
		_, err = orch.FineTune(ctx, in.Archive.Model, in.Params, serializationDir, orchestrator.Options{
			ExtendVocab: extendVocab,
			ModelConfig: in.Archive.ModelConfig,
		})

		finish := func(status internal.RunStatus, archivePath, errMsg string) {
			if db == nil {
				return
			}
			if err := db.FinishRun(ledgerCtx, runID, status, archivePath, errMsg); err != nil {
				logger.Warn("failed to record run status", "run", runID, "error", err)
			}
		}

		archivePath := filepath.Join(serializationDir, archive.ArchiveFile)
		if !fileExists(archivePath) {
			archivePath = ""
		}

		if err != nil {
			status := internal.RunFailed
			if errors.Is(err, context.Canceled) {
				status = internal.RunInterrupted
			}
			finish(status, archivePath, err.Error())
			return err
		}

		if db != nil {
			if metrics, err := readMetricsFile(filepath.Join(serializationDir, orchestrator.MetricsFile)); err == nil {
				if err := db.SaveMetrics(ledgerCtx, runID, metrics); err != nil {
					logger.Warn("failed to record metrics", "run", runID, "error", err)
				}
			}
		}

		if uploadArchive != "" {
			url, err := upload(ctx, archivePath)
			if err != nil {
				finish(internal.RunCompleted, archivePath, err.Error())
				return err
			}
			logger.Info("uploaded archive", "url", url)
			archivePath = url
		}
		finish(internal.RunCompleted, archivePath, "")

		fmt.Printf("Fine-tuned model archived to %s\n", archivePath)
		if db != nil {
			fmt.Printf("Run ID: %s\n", runID)
		}
		return nil
	},
}

func upload(ctx context.Context, archivePath string) (string, error) {
	uploader, err := archive.NewUploader(ctx, credentials)
	if err != nil {
		return "", err
	}
	defer uploader.Close()
	return uploader.Upload(ctx, archivePath, uploadArchive)
}

func init() {
	rootCmd.AddCommand(fineTuneCmd)

	fineTuneCmd.Flags().StringVarP(&modelArchive, "model-archive", "m", "", "Path to the model archive to fine-tune (required)")
	fineTuneCmd.Flags().StringVarP(&configFile, "config-file", "c", "", "Configuration file describing the new datasets and trainer (required)")
	fineTuneCmd.Flags().StringVarP(&serializationDir, "serialization-dir", "s", "", "Directory for the fine-tuned model and its logs (required)")
	fineTuneCmd.Flags().StringVarP(&overrides, "overrides", "o", "", "JSON object overriding configuration keys")
	fineTuneCmd.Flags().BoolVar(&extendVocab, "extend-vocab", false, "Extend the model vocabulary with the new datasets")
	fineTuneCmd.Flags().BoolVar(&fileFriendlyLogging, "file-friendly-logging", false, "Write progress as slow line updates suited to log files")

	fineTuneCmd.Flags().StringVar(&dbPath, "db", "./data/retrain.db", "Database path for the run ledger")
	fineTuneCmd.Flags().BoolVar(&noTrack, "no-track", false, "Do not record the run in the ledger")

	fineTuneCmd.Flags().StringVar(&uploadArchive, "upload-archive", "", "Upload the archive to a gs://bucket/prefix location")
	fineTuneCmd.Flags().StringVar(&credentials, "credentials", "", "Path to Google Cloud service account credentials")

	fineTuneCmd.MarkFlagRequired("model-archive")
	fineTuneCmd.MarkFlagRequired("config-file")
	fineTuneCmd.MarkFlagRequired("serialization-dir")
}
