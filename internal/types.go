package internal

import "time"

// RunStatus is the lifecycle state of a fine-tune run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// RunRecord describes one invocation of the fine-tune command.
type RunRecord struct {
	ID               string         `json:"id"`
	ModelArchive     string         `json:"model_archive"`
	ConfigFile       string         `json:"config_file"`
	SerializationDir string         `json:"serialization_dir"`
	Overrides        string         `json:"overrides,omitempty"`
	ExtendVocab      bool           `json:"extend_vocab"`
	Status           RunStatus      `json:"status"`
	Error            string         `json:"error,omitempty"`
	ArchivePath      string         `json:"archive_path,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}
