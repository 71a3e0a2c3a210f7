// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy engine.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMissingTo indicates a joint filter without a bound sub-pipeline.
	ErrMissingTo = errors.New("missing .to(...) after joint filter")

	// ErrUnknownPipeline indicates a reference to an undefined pipeline.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrDuplicatePipeline indicates two pipelines sharing one name.
	ErrDuplicatePipeline = errors.New("duplicate pipeline name")

	// ErrDuplicateExport indicates one name exported twice in a namespace.
	ErrDuplicateExport = errors.New("duplicate export")

	// ErrMissingImport indicates an import with no matching export.
	ErrMissingImport = errors.New("missing import")

	// ErrInvalidOption indicates a filter option value that cannot apply.
	ErrInvalidOption = errors.New("invalid option")

	// ErrBindFailed indicates a listener could not bind its address.
	ErrBindFailed = errors.New("bind failed")

	// ErrProtocolViolation indicates a codec detected malformed input.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ConfigError wraps a configuration-time failure with the component and
// location it applies to. Configuration errors are fatal at apply time.
type ConfigError struct {
	Component string // component tag, e.g. "listener", "pipe-def"
	Location  string // pipeline name, address, or filter name
	Err       error  // underlying error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Component, e.Location, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Component, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfig creates a ConfigError.
func NewConfig(component, location string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Component: component, Location: location, Err: err}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
