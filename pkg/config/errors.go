package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates a required configuration file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")
	// ErrInvalidYAML indicates a configuration file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML")
)

// LoadError wraps a failure to load a specific configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Section string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s.%s: %s", e.Section, e.Field, e.Message)
}
