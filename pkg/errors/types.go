// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// Code is a stable, user-visible error code. The set is closed: API clients
// branch on these values, so new codes require a contract change.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeTimeout         Code = "TIMEOUT"
	CodeConnection      Code = "CONNECTION"
	CodeConfiguration   Code = "CONFIGURATION"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeSerialization   Code = "SERIALIZATION"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
)

// Retryable reports whether an error with the given code is worth retrying.
// Timeouts, connection failures and rate limits are transient; everything
// else requires caller or operator intervention.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeConnection, CodeRateLimited:
		return true
	default:
		return false
	}
}

// ValidationError represents user input validation failures.
// Use this for malformed actions, bad rule definitions, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "rule", "chain", "approval")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents a failure reported by (or on behalf of) a provider.
// Every provider failure carries one of the stable codes so the executor can
// decide between retrying and giving up.
type ProviderError struct {
	// Provider is the name of the provider (e.g., "email", "webhook")
	Provider string

	// Code classifies the failure
	Code Code

	// Message is the human-readable error message
	Message string

	// Retryable indicates whether the executor may retry this attempt
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "state.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "provider call", "lock acquire")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ConflictError represents a lost write race: either a compare-and-swap
// version conflict on the state store, or a domain conflict such as an
// approval that another decision already settled. Callers re-read and
// retry, or surface the conflict to the operator.
type ConflictError struct {
	// Key is the state key that conflicted
	Key string

	// CurrentVersion is the version found at the time of the write
	CurrentVersion uint64

	// Resource and Message describe a domain conflict; set instead of
	// Key/CurrentVersion (e.g. Resource "approval", Message "already decided").
	Resource string
	Message  string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		if e.Resource != "" {
			return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
		}
		return fmt.Sprintf("conflict: %s", e.Message)
	}
	return fmt.Sprintf("version conflict on %s (current version %d)", e.Key, e.CurrentVersion)
}
