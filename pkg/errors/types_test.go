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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{
			name: "with field",
			err:  &ValidationError{Field: "namespace", Message: "must not be empty"},
			want: "validation failed on namespace: must not be empty",
		},
		{
			name: "without field",
			err:  &ValidationError{Message: "malformed action"},
			want: "validation failed: malformed action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "rule", ID: "block-spam"}
	assert.Equal(t, "rule not found: block-spam", err.Error())
}

func TestProviderError(t *testing.T) {
	cause := New("dial tcp: connection refused")
	err := &ProviderError{
		Provider:  "webhook",
		Code:      CodeConnection,
		Message:   "request failed",
		Retryable: true,
		Cause:     cause,
	}

	assert.Equal(t, "provider webhook: CONNECTION: request failed", err.Error())
	assert.Equal(t, cause, Unwrap(err))
	assert.True(t, err.Retryable)
}

func TestProviderErrorWithoutProvider(t *testing.T) {
	err := &ProviderError{Code: CodeSerialization, Message: "bad payload"}
	assert.Equal(t, "SERIALIZATION: bad payload", err.Error())
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Key: "state.backend", Reason: "unknown backend \"etcd3\""}
	assert.Equal(t, "config error at state.backend: unknown backend \"etcd3\"", err.Error())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "provider call", Duration: 5 * time.Second}
	assert.Equal(t, "provider call timed out after 5s", err.Error())
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{Key: "notif:t1:approval:abc", CurrentVersion: 4}
	assert.Equal(t, "version conflict on notif:t1:approval:abc (current version 4)", err.Error())

	err = &ConflictError{Resource: "approval", Message: "already decided: approved"}
	assert.Equal(t, "conflict on approval: already decided: approved", err.Error())

	err = &ConflictError{Message: "group already flushed"}
	assert.Equal(t, "conflict: group already flushed", err.Error())
}

func TestCodeRetryable(t *testing.T) {
	retryable := []Code{CodeTimeout, CodeConnection, CodeRateLimited}
	terminal := []Code{CodeValidation, CodeNotFound, CodeExecutionFailed, CodeConfiguration, CodeSerialization, CodeCircuitOpen}

	for _, c := range retryable {
		assert.True(t, c.Retryable(), "code %s should be retryable", c)
	}
	for _, c := range terminal {
		assert.False(t, c.Retryable(), "code %s should be terminal", c)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"provider error", &ProviderError{Code: CodeRateLimited}, CodeRateLimited},
		{"wrapped provider error", Wrap(&ProviderError{Code: CodeTimeout}, "executing step"), CodeTimeout},
		{"validation", &ValidationError{Message: "bad"}, CodeValidation},
		{"not found", &NotFoundError{Resource: "chain", ID: "x"}, CodeNotFound},
		{"config", &ConfigError{Reason: "bad"}, CodeConfiguration},
		{"timeout", &TimeoutError{Operation: "call"}, CodeTimeout},
		{"plain error", fmt.Errorf("boom"), CodeExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	// Provider errors use their explicit flag even when the code's default differs.
	assert.False(t, IsRetryable(&ProviderError{Code: CodeTimeout, Retryable: false}))
	assert.True(t, IsRetryable(&ProviderError{Code: CodeExecutionFailed, Retryable: true}))
	assert.True(t, IsRetryable(&TimeoutError{Operation: "call"}))
	assert.False(t, IsRetryable(New("boom")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}

func TestWrapPreservesTree(t *testing.T) {
	inner := &NotFoundError{Resource: "approval", ID: "a1"}
	wrapped := Wrapf(inner, "deciding approval %s", "a1")

	var nf *NotFoundError
	assert.True(t, As(wrapped, &nf))
	assert.Equal(t, "a1", nf.ID)
}
