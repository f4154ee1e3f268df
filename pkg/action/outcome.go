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

package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeType discriminates the outcome union.
type OutcomeType string

const (
	OutcomeExecuted        OutcomeType = "executed"
	OutcomeFailed          OutcomeType = "failed"
	OutcomeSuppressed      OutcomeType = "suppressed"
	OutcomeDeduplicated    OutcomeType = "deduplicated"
	OutcomeRerouted        OutcomeType = "rerouted"
	OutcomeThrottled       OutcomeType = "throttled"
	OutcomeCircuitOpen     OutcomeType = "circuit_open"
	OutcomeGrouped         OutcomeType = "grouped"
	OutcomeStateChanged    OutcomeType = "state_changed"
	OutcomePendingApproval OutcomeType = "pending_approval"
	OutcomeChainStarted    OutcomeType = "chain_started"
)

// Outcome is the closed union of every observable dispatch result.
// Exactly one variant is populated; it serializes externally tagged, with
// the variant name as the sole top-level key.
type Outcome struct {
	Type OutcomeType

	// Executed / Rerouted
	Response *ProviderResponse

	// Failed
	Error *ActionError

	// Suppressed
	Rule string

	// Rerouted
	OriginalProvider string
	NewProvider      string

	// Throttled / CircuitOpen
	RetryAfter time.Duration

	// CircuitOpen
	Provider string

	// Grouped
	GroupID   string
	GroupSize int
	NotifyAt  time.Time

	// StateChanged
	Fingerprint   string
	PreviousState string
	NewState      string
	Notify        bool

	// PendingApproval
	ApprovalID       string
	ExpiresAt        time.Time
	ApproveURL       string
	RejectURL        string
	NotificationSent bool

	// ChainStarted
	ChainID    string
	ChainName  string
	TotalSteps int
	FirstStep  string
}

// Executed constructs an Executed outcome.
func Executed(resp *ProviderResponse) *Outcome {
	return &Outcome{Type: OutcomeExecuted, Response: resp}
}

// Failed constructs a Failed outcome.
func Failed(code, message string, retryable bool, attempts int) *Outcome {
	return &Outcome{Type: OutcomeFailed, Error: &ActionError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Attempts:  attempts,
	}}
}

// Suppressed constructs a Suppressed outcome naming the matching rule.
func Suppressed(rule string) *Outcome {
	return &Outcome{Type: OutcomeSuppressed, Rule: rule}
}

// Deduplicated constructs a Deduplicated outcome.
func Deduplicated() *Outcome {
	return &Outcome{Type: OutcomeDeduplicated}
}

// Rerouted constructs a Rerouted outcome.
func Rerouted(from, to string, resp *ProviderResponse) *Outcome {
	return &Outcome{Type: OutcomeRerouted, OriginalProvider: from, NewProvider: to, Response: resp}
}

// Throttled constructs a Throttled outcome.
func Throttled(retryAfter time.Duration) *Outcome {
	return &Outcome{Type: OutcomeThrottled, RetryAfter: retryAfter}
}

// CircuitOpen constructs a CircuitOpen outcome.
func CircuitOpen(provider string, retryAfter time.Duration) *Outcome {
	return &Outcome{Type: OutcomeCircuitOpen, Provider: provider, RetryAfter: retryAfter}
}

// Grouped constructs a Grouped outcome.
func Grouped(groupID string, size int, notifyAt time.Time) *Outcome {
	return &Outcome{Type: OutcomeGrouped, GroupID: groupID, GroupSize: size, NotifyAt: notifyAt}
}

// StateChanged constructs a StateChanged outcome.
func StateChanged(fingerprint, prev, next string, notify bool) *Outcome {
	return &Outcome{
		Type:          OutcomeStateChanged,
		Fingerprint:   fingerprint,
		PreviousState: prev,
		NewState:      next,
		Notify:        notify,
	}
}

// PendingApproval constructs a PendingApproval outcome.
func PendingApproval(id string, expiresAt time.Time, approveURL, rejectURL string, notified bool) *Outcome {
	return &Outcome{
		Type:             OutcomePendingApproval,
		ApprovalID:       id,
		ExpiresAt:        expiresAt,
		ApproveURL:       approveURL,
		RejectURL:        rejectURL,
		NotificationSent: notified,
	}
}

// ChainStarted constructs a ChainStarted outcome.
func ChainStarted(chainID, chainName string, totalSteps int, firstStep string) *Outcome {
	return &Outcome{
		Type:       OutcomeChainStarted,
		ChainID:    chainID,
		ChainName:  chainName,
		TotalSteps: totalSteps,
		FirstStep:  firstStep,
	}
}

// durationJSON is the secs/nanos encoding the REST contract uses for
// durations.
type durationJSON struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

func toDurationJSON(d time.Duration) durationJSON {
	return durationJSON{Secs: int64(d / time.Second), Nanos: int64(d % time.Second)}
}

func (d durationJSON) Duration() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

type reroutedJSON struct {
	OriginalProvider string            `json:"original_provider"`
	NewProvider      string            `json:"new_provider"`
	Response         *ProviderResponse `json:"response"`
}

type throttledJSON struct {
	RetryAfter durationJSON `json:"retry_after"`
}

type circuitOpenJSON struct {
	Provider   string       `json:"provider"`
	RetryAfter durationJSON `json:"retry_after"`
}

type suppressedJSON struct {
	Rule string `json:"rule"`
}

type groupedJSON struct {
	GroupID   string    `json:"group_id"`
	GroupSize int       `json:"group_size"`
	NotifyAt  time.Time `json:"notify_at"`
}

type stateChangedJSON struct {
	Fingerprint   string `json:"fingerprint"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Notify        bool   `json:"notify"`
}

type pendingApprovalJSON struct {
	ApprovalID       string    `json:"approval_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	ApproveURL       string    `json:"approve_url"`
	RejectURL        string    `json:"reject_url"`
	NotificationSent bool      `json:"notification_sent"`
}

type chainStartedJSON struct {
	ChainID    string `json:"chain_id"`
	ChainName  string `json:"chain_name"`
	TotalSteps int    `json:"total_steps"`
	FirstStep  string `json:"first_step"`
}

// MarshalJSON serializes the outcome externally tagged.
func (o *Outcome) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case OutcomeExecuted:
		return json.Marshal(map[string]any{"Executed": o.Response})
	case OutcomeFailed:
		return json.Marshal(map[string]any{"Failed": o.Error})
	case OutcomeSuppressed:
		return json.Marshal(map[string]any{"Suppressed": suppressedJSON{Rule: o.Rule}})
	case OutcomeDeduplicated:
		return json.Marshal(map[string]any{"Deduplicated": nil})
	case OutcomeRerouted:
		return json.Marshal(map[string]any{"Rerouted": reroutedJSON{
			OriginalProvider: o.OriginalProvider,
			NewProvider:      o.NewProvider,
			Response:         o.Response,
		}})
	case OutcomeThrottled:
		return json.Marshal(map[string]any{"Throttled": throttledJSON{RetryAfter: toDurationJSON(o.RetryAfter)}})
	case OutcomeCircuitOpen:
		return json.Marshal(map[string]any{"CircuitOpen": circuitOpenJSON{
			Provider:   o.Provider,
			RetryAfter: toDurationJSON(o.RetryAfter),
		}})
	case OutcomeGrouped:
		return json.Marshal(map[string]any{"Grouped": groupedJSON{
			GroupID:   o.GroupID,
			GroupSize: o.GroupSize,
			NotifyAt:  o.NotifyAt,
		}})
	case OutcomeStateChanged:
		return json.Marshal(map[string]any{"StateChanged": stateChangedJSON{
			Fingerprint:   o.Fingerprint,
			PreviousState: o.PreviousState,
			NewState:      o.NewState,
			Notify:        o.Notify,
		}})
	case OutcomePendingApproval:
		return json.Marshal(map[string]any{"PendingApproval": pendingApprovalJSON{
			ApprovalID:       o.ApprovalID,
			ExpiresAt:        o.ExpiresAt,
			ApproveURL:       o.ApproveURL,
			RejectURL:        o.RejectURL,
			NotificationSent: o.NotificationSent,
		}})
	case OutcomeChainStarted:
		return json.Marshal(map[string]any{"ChainStarted": chainStartedJSON{
			ChainID:    o.ChainID,
			ChainName:  o.ChainName,
			TotalSteps: o.TotalSteps,
			FirstStep:  o.FirstStep,
		}})
	default:
		return nil, fmt.Errorf("unknown outcome type %q", o.Type)
	}
}

// UnmarshalJSON parses the externally-tagged form. A bare "Deduplicated"
// string is accepted for compatibility with older emitters.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var s string
		if json.Unmarshal(data, &s) == nil && s == "Deduplicated" {
			o.Type = OutcomeDeduplicated
			return nil
		}
		return err
	}

	if v, ok := raw["Executed"]; ok {
		o.Type = OutcomeExecuted
		o.Response = &ProviderResponse{}
		return json.Unmarshal(v, o.Response)
	}
	if v, ok := raw["Failed"]; ok {
		o.Type = OutcomeFailed
		o.Error = &ActionError{}
		return json.Unmarshal(v, o.Error)
	}
	if v, ok := raw["Suppressed"]; ok {
		o.Type = OutcomeSuppressed
		var s suppressedJSON
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		o.Rule = s.Rule
		return nil
	}
	if _, ok := raw["Deduplicated"]; ok {
		o.Type = OutcomeDeduplicated
		return nil
	}
	if v, ok := raw["Rerouted"]; ok {
		o.Type = OutcomeRerouted
		var r reroutedJSON
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		o.OriginalProvider = r.OriginalProvider
		o.NewProvider = r.NewProvider
		o.Response = r.Response
		return nil
	}
	if v, ok := raw["Throttled"]; ok {
		o.Type = OutcomeThrottled
		var t throttledJSON
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		o.RetryAfter = t.RetryAfter.Duration()
		return nil
	}
	if v, ok := raw["CircuitOpen"]; ok {
		o.Type = OutcomeCircuitOpen
		var c circuitOpenJSON
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		o.Provider = c.Provider
		o.RetryAfter = c.RetryAfter.Duration()
		return nil
	}
	if v, ok := raw["Grouped"]; ok {
		o.Type = OutcomeGrouped
		var g groupedJSON
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		o.GroupID = g.GroupID
		o.GroupSize = g.GroupSize
		o.NotifyAt = g.NotifyAt
		return nil
	}
	if v, ok := raw["StateChanged"]; ok {
		o.Type = OutcomeStateChanged
		var s stateChangedJSON
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		o.Fingerprint = s.Fingerprint
		o.PreviousState = s.PreviousState
		o.NewState = s.NewState
		o.Notify = s.Notify
		return nil
	}
	if v, ok := raw["PendingApproval"]; ok {
		o.Type = OutcomePendingApproval
		var p pendingApprovalJSON
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		o.ApprovalID = p.ApprovalID
		o.ExpiresAt = p.ExpiresAt
		o.ApproveURL = p.ApproveURL
		o.RejectURL = p.RejectURL
		o.NotificationSent = p.NotificationSent
		return nil
	}
	if v, ok := raw["ChainStarted"]; ok {
		o.Type = OutcomeChainStarted
		var c chainStartedJSON
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		o.ChainID = c.ChainID
		o.ChainName = c.ChainName
		o.TotalSteps = c.TotalSteps
		o.FirstStep = c.FirstStep
		return nil
	}

	return fmt.Errorf("unknown outcome variant in %s", string(data))
}
