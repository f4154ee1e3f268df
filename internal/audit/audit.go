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

// Package audit defines the append-only audit record stream. Writes are
// fire-and-forget from the dispatcher's perspective; durability and
// tamper evidence live in the sink implementations.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Record is one immutable audit entry for one dispatch outcome.
type Record struct {
	ID             string            `json:"id"`
	ActionID       string            `json:"action_id"`
	ChainID        string            `json:"chain_id,omitempty"`
	Namespace      string            `json:"namespace"`
	Tenant         string            `json:"tenant"`
	Provider       string            `json:"provider"`
	ActionType     string            `json:"action_type"`
	Verdict        string            `json:"verdict"`
	MatchedRule    *string           `json:"matched_rule,omitempty"`
	Outcome        string            `json:"outcome"`
	ActionPayload  map[string]any    `json:"action_payload,omitempty"`
	VerdictDetails map[string]any    `json:"verdict_details,omitempty"`
	OutcomeDetails map[string]any    `json:"outcome_details,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DispatchedAt   time.Time         `json:"dispatched_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	DurationMs     int64             `json:"duration_ms"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CallerID       string            `json:"caller_id,omitempty"`
	AuthMethod     string            `json:"auth_method,omitempty"`
	RecordHash     string            `json:"record_hash,omitempty"`
	PreviousHash   string            `json:"previous_hash,omitempty"`
	SequenceNumber uint64            `json:"sequence_number,omitempty"`
}

// Filter narrows a Query. Zero values match everything; a weaker filter
// always returns a superset of a stronger one.
type Filter struct {
	ActionID    string
	Namespace   string
	Tenant      string
	Provider    string
	ActionType  string
	Verdict     string
	Outcome     string
	MatchedRule string
	ChainID     string
	CallerID    string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// Matches reports whether the record passes every set filter field.
func (f Filter) Matches(r *Record) bool {
	if f.ActionID != "" && r.ActionID != f.ActionID {
		return false
	}
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	if f.Tenant != "" && r.Tenant != f.Tenant {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.Verdict != "" && r.Verdict != f.Verdict {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.MatchedRule != "" && (r.MatchedRule == nil || *r.MatchedRule != f.MatchedRule) {
		return false
	}
	if f.ChainID != "" && r.ChainID != f.ChainID {
		return false
	}
	if f.CallerID != "" && r.CallerID != f.CallerID {
		return false
	}
	if f.Since != nil && r.DispatchedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.DispatchedAt.After(*f.Until) {
		return false
	}
	return true
}

// Page is one query result page.
type Page struct {
	Records []Record `json:"records"`
	Total   int64    `json:"total"`
	Limit   int64    `json:"limit"`
	Offset  int64    `json:"offset"`
}

// Sink is the audit write and query endpoint.
type Sink interface {
	// Record submits one entry. It must not block the caller; a sink under
	// pressure may drop entries.
	Record(r *Record)

	// Query returns the filtered page, newest first.
	Query(ctx context.Context, f Filter) (*Page, error)

	// Cleanup removes entries past their expires_at. Returns how many were
	// removed.
	Cleanup(ctx context.Context) (int, error)

	// Flush blocks until previously submitted records are durable.
	Flush()

	// Close flushes and stops the sink.
	Close() error
}

// hashableRecord is the canonical hashing projection: everything except
// the hash fields themselves.
type hashableRecord struct {
	ID           string         `json:"id"`
	ActionID     string         `json:"action_id"`
	Namespace    string         `json:"namespace"`
	Tenant       string         `json:"tenant"`
	Provider     string         `json:"provider"`
	ActionType   string         `json:"action_type"`
	Verdict      string         `json:"verdict"`
	Outcome      string         `json:"outcome"`
	DispatchedAt int64          `json:"dispatched_at_ms"`
	DurationMs   int64          `json:"duration_ms"`
	Details      map[string]any `json:"outcome_details,omitempty"`
}

// chainHash computes the tamper-evidence hash linking a record to its
// predecessor.
func chainHash(prev string, r *Record) string {
	payload, _ := json.Marshal(hashableRecord{
		ID:           r.ID,
		ActionID:     r.ActionID,
		Namespace:    r.Namespace,
		Tenant:       r.Tenant,
		Provider:     r.Provider,
		ActionType:   r.ActionType,
		Verdict:      r.Verdict,
		Outcome:      r.Outcome,
		DispatchedAt: r.DispatchedAt.UnixMilli(),
		DurationMs:   r.DurationMs,
		Details:      r.OutcomeDetails,
	})
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
