package orchestrator

import (
	"errors"

	"github.com/valpere/retrain/internal/params"
)

var (
	// ErrDirectoryNotEmpty is returned when the serialization directory
	// already holds files.
	ErrDirectoryNotEmpty = errors.New("serialization directory is not empty")

	// ErrInvalidVocabSource is returned when datasets_for_vocab_creation names
	// a split that was not built.
	ErrInvalidVocabSource = errors.New("invalid dataset for vocabulary creation")

	// ErrUnrecognizedConfiguration is returned when configuration keys are
	// left over after every component has read its section.
	ErrUnrecognizedConfiguration = params.ErrUnusedKeys
)
