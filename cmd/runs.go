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
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/retrain/internal"
	"github.com/valpere/retrain/internal/report"
)

var (
	runsDBPath string
	runsStatus string
	runsFormat string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage the fine-tune run ledger",
	Long:  `List and manage the SQLite ledger of fine-tune runs.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(runsDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(context.Background(), internal.RunStatus(runsStatus))
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tSERIALIZATION DIR\tARCHIVE")
		for _, r := range runs {
			duration := "-"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04"),
				duration, r.SerializationDir, r.ArchivePath)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and its final metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(runsDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := db.GetRun(context.Background(), args[0])
		if err != nil {
			return err
		}

		switch runsFormat {
		case "markdown":
			fmt.Print(string(report.Markdown(*r)))
			return nil
		case "html":
			fmt.Print(report.ToHTML(report.Markdown(*r)))
			return nil
		case "text":
		default:
			return fmt.Errorf("unknown format %q", runsFormat)
		}

		fmt.Printf("ID:                %s\n", r.ID)
		fmt.Printf("Status:            %s\n", r.Status)
		fmt.Printf("Model archive:     %s\n", r.ModelArchive)
		fmt.Printf("Config file:       %s\n", r.ConfigFile)
		fmt.Printf("Serialization dir: %s\n", r.SerializationDir)
		if r.Overrides != "" {
			fmt.Printf("Overrides:         %s\n", r.Overrides)
		}
		fmt.Printf("Extend vocab:      %v\n", r.ExtendVocab)
		fmt.Printf("Started:           %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
		if r.FinishedAt != nil {
			fmt.Printf("Finished:          %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		if r.ArchivePath != "" {
			fmt.Printf("Archive:           %s\n", r.ArchivePath)
		}
		if r.Error != "" {
			fmt.Printf("Error:             %s\n", r.Error)
		}
		if len(r.Metrics) > 0 {
			fmt.Println("Metrics:")
			printMetrics(r.Metrics)
		}
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(runsDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Total runs:   %d\n", stats.Total)
		fmt.Printf("Running:      %d\n", stats.Running)
		fmt.Printf("Completed:    %d\n", stats.Completed)
		fmt.Printf("Interrupted:  %d\n", stats.Interrupted)
		fmt.Printf("Failed:       %d\n", stats.Failed)
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(runsDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteRun(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		fmt.Printf("Deleted run: %s\n", args[0])
		return nil
	},
}

var runsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all runs from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(runsDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearRuns(context.Background())
		if err != nil {
			return fmt.Errorf("failed to clear runs: %w", err)
		}
		fmt.Printf("Cleared %d runs from the ledger.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.PersistentFlags().StringVar(&runsDBPath, "db", "./data/retrain.db", "Database path")
	runsShowCmd.Flags().StringVar(&runsFormat, "format", "text", "Output format (text, markdown, html)")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Only list runs with this status (running, completed, interrupted, failed)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsClearCmd)
}
