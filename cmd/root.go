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
	"os"

	"github.com/spf13/cobra"

	"github.com/valpere/retrain/internal/logging"
)

var version = "0.1.0"

var (
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Fine-tune trained models on new data",
	Long: `A CLI application that continues training an archived model on a new dataset,
reusing its vocabulary and weights, and packages the result as a new archive.

Use "retrain fine-tune --help" for fine-tuning options.`,
	Version:      version,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the console logger selected by the persistent flags.
func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, JSON: logJSON}), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write console logs as JSON")
}
