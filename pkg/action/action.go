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

// Package action defines the wire types flowing through the gateway: the
// submitted Action, the provider response, and the outcome union returned
// from every dispatch.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/errors"
)

// Action is an externally submitted intent to perform a side effect.
// Actions are immutable once submitted; identity is the ID.
type Action struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	Tenant     string            `json:"tenant"`
	Provider   string            `json:"provider"`
	ActionType string            `json:"action_type"`
	Payload    map[string]any    `json:"payload"`
	DedupKey   string            `json:"dedup_key,omitempty"`
	// Status carries an optional state-machine input (e.g. "firing", "resolved").
	Status string            `json:"status,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	// Fingerprint is an optional precomputed fingerprint; computed on demand
	// when absent.
	Fingerprint string `json:"fingerprint,omitempty"`
	// TraceContext is an opaque W3C traceparent value propagated to providers
	// and the audit trail.
	TraceContext string    `json:"trace_context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// New creates an action with a generated ID and UTC creation time.
func New(namespace, tenant, provider, actionType string, payload map[string]any) *Action {
	return &Action{
		ID:         uuid.New().String(),
		Namespace:  namespace,
		Tenant:     tenant,
		Provider:   provider,
		ActionType: actionType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the fields every dispatch requires. An action that fails
// validation is rejected before rule evaluation.
func (a *Action) Validate() error {
	if a == nil {
		return &errors.ValidationError{Message: "action must not be nil"}
	}
	if a.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if a.Namespace == "" {
		return &errors.ValidationError{Field: "namespace", Message: "must not be empty"}
	}
	if a.Tenant == "" {
		return &errors.ValidationError{Field: "tenant", Message: "must not be empty"}
	}
	if a.Provider == "" {
		return &errors.ValidationError{Field: "provider", Message: "must not be empty"}
	}
	if a.ActionType == "" {
		return &errors.ValidationError{Field: "action_type", Message: "must not be empty"}
	}
	for _, field := range []struct{ name, value string }{
		{"namespace", a.Namespace},
		{"tenant", a.Tenant},
	} {
		if !validScope(field.value) {
			return &errors.ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("%q contains characters outside [A-Za-z0-9._-]", field.value),
			}
		}
	}
	return nil
}

// validScope reports whether s is usable as a state-key segment.
func validScope(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return s != ""
}

// Clone returns a deep copy. Verdict handlers that mutate the payload
// (Modify, Reroute) operate on a clone so the submitted action stays intact.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Payload != nil {
		raw, err := json.Marshal(a.Payload)
		if err == nil {
			var payload map[string]any
			if json.Unmarshal(raw, &payload) == nil {
				clone.Payload = payload
			}
		}
	}
	if a.Labels != nil {
		clone.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			clone.Labels[k] = v
		}
	}
	return &clone
}

// ComputeFingerprint returns the SHA-256 fingerprint identifying this
// action's equivalence class. When a dedup key is present it scopes the
// hash; otherwise the canonical payload does.
func (a *Action) ComputeFingerprint() string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	h := sha256.New()
	h.Write([]byte(a.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(a.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(a.Provider))
	h.Write([]byte{0})
	h.Write([]byte(a.ActionType))
	h.Write([]byte{0})
	if a.DedupKey != "" {
		h.Write([]byte(a.DedupKey))
	} else {
		h.Write([]byte(canonicalJSON(a.Payload)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serializes v with deterministically ordered object keys.
func canonicalJSON(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			sb.WriteString("null")
			return
		}
		sb.Write(raw)
	}
}

// ProviderResponse is what a provider returns from a successful execution.
type ProviderResponse struct {
	Status  string            `json:"status"`
	Body    map[string]any    `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ActionError carries the details of a terminal dispatch failure.
type ActionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Attempts  int    `json:"attempts"`
}
