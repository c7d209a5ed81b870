package params

import (
	"errors"
	"fmt"
)

var (
	// ErrUnusedKeys reports configuration keys that no component referenced.
	ErrUnusedKeys = errors.New("unrecognized configuration keys")

	// ErrInvalidValue reports a configuration value of the wrong type or shape.
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrMissingKey reports a required key that is absent.
	ErrMissingKey = errors.New("missing required configuration key")
)

// ConfigurationError is returned for any problem with the user's configuration
// or run setup. Kind is a sentinel usable with errors.Is.
type ConfigurationError struct {
	Kind    error
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Kind
}

// NewConfigurationError builds a ConfigurationError of the given kind.
func NewConfigurationError(kind error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ParseError is returned when a configuration document or override string
// cannot be read or decoded.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse configuration %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
