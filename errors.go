// Package main - errors.go
//
// Error kinds raised by the collaborators and the detection pipeline.
// Every kind except ErrInvalidConfig is recoverable: it narrows the signal of
// the current tick instead of stopping the loop.
package main

import (
	"errors"
	"fmt"
)

var (
	ErrCaptureUnavailable       = errors.New("capture unavailable")
	ErrRecognitionTimeout       = errors.New("recognition timeout")
	ErrRecognitionLowConfidence = errors.New("recognition below confidence floor")
	ErrRecognitionFailure       = errors.New("recognizer failure")
	ErrFingerprintFailure       = errors.New("fingerprint failure")
	ErrFingerprintCatalogueMiss = errors.New("creature not in fingerprint catalogue")
	ErrAmbiguousVerdict         = errors.New("fingerprint and structural similarity disagree")
	ErrExternalDispatchFailure  = errors.New("external dispatch failure")
	ErrDetectionPanic           = errors.New("detection stage panicked")
	ErrInvalidConfig            = errors.New("invalid configuration")

	// ErrCommandRejected is returned to an operator command that does not
	// apply in the current state (e.g. reload while farming).
	ErrCommandRejected = errors.New("command rejected")
)

// StageError records which pipeline stage failed and why.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

// NewStageError creates a StageError; err may be nil
func NewStageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Is matches the error kind so callers can use errors.Is(err, ErrCaptureUnavailable)
func (e *StageError) Is(target error) bool {
	return e.Kind == target
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ConfigError names the invalid configuration field. It is the only fatal error.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
