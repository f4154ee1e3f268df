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

// Package rules holds the rule intermediate representation and the
// evaluation engine. Conditions are expr programs compiled once at load
// time; evaluation walks rules in ascending priority order and the first
// enabled rule whose condition is truthy decides the verdict.
package rules

import (
	"encoding/json"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/penserai/acteon/pkg/errors"
)

// ActionType discriminates the rule action union.
type ActionType string

const (
	ActionAllow           ActionType = "allow"
	ActionDeny            ActionType = "deny"
	ActionSuppress        ActionType = "suppress"
	ActionDeduplicate     ActionType = "deduplicate"
	ActionReroute         ActionType = "reroute"
	ActionThrottle        ActionType = "throttle"
	ActionModify          ActionType = "modify"
	ActionGroup           ActionType = "group"
	ActionRequestApproval ActionType = "request_approval"
	ActionChain           ActionType = "chain"
	ActionStateMachine    ActionType = "state_machine"
	ActionCustom          ActionType = "custom"
)

// DeduplicateAction suppresses repeat submissions of the same fingerprint
// within the TTL window.
type DeduplicateAction struct {
	TTLSecs int64 `yaml:"ttl_secs" json:"ttl_secs"`
}

// TTL returns the dedup window, defaulting to five minutes.
func (a *DeduplicateAction) TTL() time.Duration {
	if a == nil || a.TTLSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.TTLSecs) * time.Second
}

// RerouteAction redirects execution to another provider.
type RerouteAction struct {
	Target string `yaml:"target" json:"target"`
}

// ThrottleAction caps executions per fingerprint over a window.
type ThrottleAction struct {
	MaxCount   int64 `yaml:"max_count" json:"max_count"`
	WindowSecs int64 `yaml:"window_secs" json:"window_secs"`
}

// Window returns the throttle window as a duration.
func (a *ThrottleAction) Window() time.Duration {
	return time.Duration(a.WindowSecs) * time.Second
}

// ModifyAction applies a JSON merge patch to the payload, then continues
// evaluation as an allow.
type ModifyAction struct {
	Patch map[string]any `yaml:"patch" json:"patch"`
}

// PatchJSON renders the merge patch as JSON bytes.
func (a *ModifyAction) PatchJSON() ([]byte, error) {
	return json.Marshal(a.Patch)
}

// GroupAction batches matching actions into an event group instead of
// executing them individually.
type GroupAction struct {
	By           []string `yaml:"by" json:"by"`
	WaitSecs     int64    `yaml:"wait_secs" json:"wait_secs"`
	IntervalSecs int64    `yaml:"interval_secs" json:"interval_secs"`
	MaxSize      int      `yaml:"max_size" json:"max_size"`
	Template     string   `yaml:"template,omitempty" json:"template,omitempty"`
	ResetOnEvent bool     `yaml:"reset_on_event,omitempty" json:"reset_on_event,omitempty"`
}

// ApprovalAction gates the action behind a human decision.
type ApprovalAction struct {
	NotifyProvider string `yaml:"notify_provider" json:"notify_provider"`
	TimeoutSecs    int64  `yaml:"timeout_secs" json:"timeout_secs"`
	Message        string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Timeout returns the approval expiry window, defaulting to one hour.
func (a *ApprovalAction) Timeout() time.Duration {
	if a == nil || a.TimeoutSecs <= 0 {
		return time.Hour
	}
	return time.Duration(a.TimeoutSecs) * time.Second
}

// ChainAction starts a named multi-step chain.
type ChainAction struct {
	Name string `yaml:"name" json:"name"`
}

// StateMachineAction routes the action through a named state machine.
type StateMachineAction struct {
	Name              string   `yaml:"name" json:"name"`
	FingerprintFields []string `yaml:"fingerprint_fields" json:"fingerprint_fields"`
}

// CustomAction is an escape hatch for deployment-specific verdict handlers.
type CustomAction struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// RuleAction is the closed verdict union. Type selects the variant; at most
// one of the config pointers is set.
type RuleAction struct {
	Type         ActionType          `yaml:"type" json:"type"`
	Deduplicate  *DeduplicateAction  `yaml:"-" json:"deduplicate,omitempty"`
	Reroute      *RerouteAction      `yaml:"-" json:"reroute,omitempty"`
	Throttle     *ThrottleAction     `yaml:"-" json:"throttle,omitempty"`
	Modify       *ModifyAction       `yaml:"-" json:"modify,omitempty"`
	Group        *GroupAction        `yaml:"-" json:"group,omitempty"`
	Approval     *ApprovalAction     `yaml:"-" json:"approval,omitempty"`
	Chain        *ChainAction        `yaml:"-" json:"chain,omitempty"`
	StateMachine *StateMachineAction `yaml:"-" json:"state_machine,omitempty"`
	Custom       *CustomAction       `yaml:"-" json:"custom,omitempty"`
}

// Validate checks that the variant config required by Type is present.
func (a *RuleAction) Validate() error {
	switch a.Type {
	case ActionAllow, ActionDeny, ActionSuppress:
		return nil
	case ActionDeduplicate:
		return nil // TTL defaults when the config is omitted
	case ActionReroute:
		if a.Reroute == nil || a.Reroute.Target == "" {
			return &errors.ValidationError{Field: "action.target", Message: "reroute requires a target provider"}
		}
	case ActionThrottle:
		if a.Throttle == nil || a.Throttle.MaxCount <= 0 || a.Throttle.WindowSecs <= 0 {
			return &errors.ValidationError{Field: "action.throttle", Message: "throttle requires max_count and window_secs > 0"}
		}
	case ActionModify:
		if a.Modify == nil || len(a.Modify.Patch) == 0 {
			return &errors.ValidationError{Field: "action.patch", Message: "modify requires a non-empty patch"}
		}
	case ActionGroup:
		if a.Group == nil || len(a.Group.By) == 0 || a.Group.WaitSecs <= 0 {
			return &errors.ValidationError{Field: "action.group", Message: "group requires by fields and wait_secs > 0"}
		}
	case ActionRequestApproval:
		if a.Approval == nil || a.Approval.NotifyProvider == "" {
			return &errors.ValidationError{Field: "action.notify_provider", Message: "request_approval requires notify_provider"}
		}
	case ActionChain:
		if a.Chain == nil || a.Chain.Name == "" {
			return &errors.ValidationError{Field: "action.name", Message: "chain requires a chain name"}
		}
	case ActionStateMachine:
		if a.StateMachine == nil || a.StateMachine.Name == "" {
			return &errors.ValidationError{Field: "action.name", Message: "state_machine requires a machine name"}
		}
	case ActionCustom:
		if a.Custom == nil || a.Custom.Name == "" {
			return &errors.ValidationError{Field: "action.name", Message: "custom requires a handler name"}
		}
	default:
		return &errors.ValidationError{Field: "action.type", Message: "unknown action type " + string(a.Type)}
	}
	return nil
}

// Rule is one compiled rule.
type Rule struct {
	Name        string
	Priority    int
	Enabled     bool
	Description string
	Condition   string
	Action      RuleAction
	Timezone    string
	Version     int
	Metadata    map[string]string
	Source      string

	program   *vm.Program
	stateRefs []stateRef
}

// Info is the list-endpoint projection of a rule.
type Info struct {
	Name        string  `json:"name"`
	Priority    int     `json:"priority"`
	Enabled     bool    `json:"enabled"`
	Description *string `json:"description,omitempty"`
}

// Info returns the rule's listing projection.
func (r *Rule) Info() Info {
	info := Info{Name: r.Name, Priority: r.Priority, Enabled: r.Enabled}
	if r.Description != "" {
		d := r.Description
		info.Description = &d
	}
	return info
}

// Verdict is the engine's decision for one action. Rule is nil when no rule
// matched and the default allow applied.
type Verdict struct {
	Action RuleAction
	Rule   *Rule
}

// AllowVerdict is the default when no rule matches.
func AllowVerdict() Verdict {
	return Verdict{Action: RuleAction{Type: ActionAllow}}
}

// MatchedRule returns the matched rule name, or empty for the default allow.
func (v Verdict) MatchedRule() string {
	if v.Rule == nil {
		return ""
	}
	return v.Rule.Name
}
