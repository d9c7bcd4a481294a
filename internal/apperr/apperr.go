// Package apperr defines the error taxonomy shared across the gateway,
// pipeline, AI client, and sandbox orchestrator. Every externally visible
// failure maps to one of these types so callers can decide whether to close
// a connection, unicast an error, or post a chat message.
package apperr

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrNotFound = errors.New("record not found")
)

// AuthError is connection-fatal: bad or missing credential, bad room id.
// No room state is mutated when it is raised.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// ValidationError rejects a malformed request payload synchronously,
// with no side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PersistenceError indicates a store write failed. It is surfaced to the
// originating client only; room state is unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PermissionError aborts an entire delete batch atomically when any single
// targeted message is authored by a different identity.
type PermissionError struct {
	MessageID string
}

func (e *PermissionError) Error() string {
	return "not allowed to delete message " + e.MessageID
}

// AIErrorKind categorizes AI generation failures for user-facing messages.
type AIErrorKind string

const (
	AIOverloaded      AIErrorKind = "overloaded"
	AIMalformedOutput AIErrorKind = "malformed_output"
	AIUnknown         AIErrorKind = "unknown"
)

// AIError is never fatal to the room; the pipeline converts it into a
// visible AI-authored chat message.
type AIError struct {
	Kind AIErrorKind
	Err  error
}

func (e *AIError) Error() string {
	return fmt.Sprintf("ai generation failed (%s): %v", e.Kind, e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

// NewAIError wraps err with the given kind. If err is already an AIError
// it is returned unchanged so classification survives wrapping layers.
func NewAIError(kind AIErrorKind, err error) *AIError {
	var existing *AIError
	if errors.As(err, &existing) {
		return existing
	}
	return &AIError{Kind: kind, Err: err}
}

// AIKind extracts the failure category from err, defaulting to AIUnknown.
func AIKind(err error) AIErrorKind {
	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return AIUnknown
}

// SandboxErrorKind categorizes sandbox pipeline failures.
type SandboxErrorKind string

const (
	SandboxBootFailed    SandboxErrorKind = "boot_failed"
	SandboxInstallFailed SandboxErrorKind = "install_failed"
	SandboxSpawnFailed   SandboxErrorKind = "spawn_failed"
)

// SandboxError halts the run pipeline at the Error state. Output carries a
// bounded tail of combined process output for diagnostics.
type SandboxError struct {
	Kind   SandboxErrorKind
	Output string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Kind, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }
