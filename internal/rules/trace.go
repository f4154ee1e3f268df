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

package rules

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/penserai/acteon/pkg/action"
)

// Trace entry results.
const (
	TraceMatched    = "matched"
	TraceNotMatched = "not_matched"
	TraceSkipped    = "skipped"
	TraceError      = "error"
)

// TraceEntry is one rule's row in an evaluation trace.
type TraceEntry struct {
	RuleName               string          `json:"rule_name"`
	Priority               int             `json:"priority"`
	Enabled                bool            `json:"enabled"`
	ConditionDisplay       string          `json:"condition_display"`
	Result                 string          `json:"result"`
	EvaluationDuration     uint64          `json:"evaluation_duration_us"`
	Action                 string          `json:"action"`
	Source                 string          `json:"source"`
	Description            *string         `json:"description,omitempty"`
	SkipReason             *string         `json:"skip_reason,omitempty"`
	Error                  *string         `json:"error,omitempty"`
	ModifyPatch            json.RawMessage `json:"modify_patch,omitempty"`
	ModifiedPayloadPreview json.RawMessage `json:"modified_payload_preview,omitempty"`
}

// TraceContext reports what the evaluation environment contained.
type TraceContext struct {
	Time              map[string]any `json:"time"`
	EnvironmentKeys   []string       `json:"environment_keys"`
	AccessedStateKeys []string       `json:"accessed_state_keys,omitempty"`
	EffectiveTimezone *string        `json:"effective_timezone,omitempty"`
}

// TraceResult is the full output of a read-only evaluation.
type TraceResult struct {
	Verdict             string         `json:"verdict"`
	MatchedRule         *string        `json:"matched_rule,omitempty"`
	HasErrors           bool           `json:"has_errors"`
	TotalRulesEvaluated int            `json:"total_rules_evaluated"`
	TotalRulesSkipped   int            `json:"total_rules_skipped"`
	EvaluationDuration  uint64         `json:"evaluation_duration_us"`
	Trace               []TraceEntry   `json:"trace"`
	Context             TraceContext   `json:"context"`
	ModifiedPayload     map[string]any `json:"modified_payload,omitempty"`
}

// TraceOptions tune a trace run.
type TraceOptions struct {
	// IncludeDisabled evaluates disabled rules instead of skipping them.
	IncludeDisabled bool

	// EvaluateAll keeps evaluating after the first match. The verdict is
	// still the first match's.
	EvaluateAll bool

	// EvaluateAt overrides the evaluation wall clock.
	EvaluateAt *time.Time

	// MockState overrides state lookups, keyed by full state key or by the
	// short {kind}.{id} form.
	MockState map[string]string
}

func strptr(s string) *string { return &s }

// Trace evaluates the rule set against an action without mutating any
// state and reports a per-rule breakdown. Mock state substitutes for store
// reads when provided.
func (e *Engine) Trace(ctx context.Context, act *action.Action, opts TraceOptions) *TraceResult {
	now := e.now()
	if opts.EvaluateAt != nil {
		now = *opts.EvaluateAt
	}

	result := &TraceResult{Verdict: string(ActionAllow)}
	accessedSet := make(map[string]bool)
	start := time.Now()
	matched := false

	for _, r := range e.Snapshot() {
		entry := TraceEntry{
			RuleName:         r.Name,
			Priority:         r.Priority,
			Enabled:          r.Enabled,
			ConditionDisplay: r.Condition,
			Action:           string(r.Action.Type),
			Source:           r.Source,
		}
		if r.Description != "" {
			entry.Description = strptr(r.Description)
		}

		switch {
		case !r.Enabled && !opts.IncludeDisabled:
			entry.Result = TraceSkipped
			entry.SkipReason = strptr("disabled")
			result.TotalRulesSkipped++
		case matched && !opts.EvaluateAll:
			entry.Result = TraceSkipped
			entry.SkipReason = strptr("earlier rule matched")
			result.TotalRulesSkipped++
		default:
			e.traceEval(ctx, r, act, opts, now, &entry, accessedSet)
			result.TotalRulesEvaluated++
			if entry.Result == TraceError {
				result.HasErrors = true
			}
			if entry.Result == TraceMatched && !matched {
				matched = true
				result.Verdict = string(r.Action.Type)
				result.MatchedRule = strptr(r.Name)
				if r.Action.Type == ActionModify {
					e.traceModify(r, act, &entry, result)
				}
			}
		}
		result.Trace = append(result.Trace, entry)
	}

	result.EvaluationDuration = uint64(time.Since(start).Microseconds())
	result.Context = e.traceContext(act, accessedSet, now)
	return result
}

func (e *Engine) traceEval(ctx context.Context, r *Rule, act *action.Action, opts TraceOptions, now time.Time, entry *TraceEntry, accessedSet map[string]bool) {
	ruleStart := time.Now()
	env, err := buildEnv(ctx, e.store, act, r.stateRefs, opts.MockState, now, e.tzFor(r))
	if err != nil {
		entry.Result = TraceError
		entry.Error = strptr(err.Error())
		entry.EvaluationDuration = uint64(time.Since(ruleStart).Microseconds())
		return
	}
	for _, key := range env.accessed {
		accessedSet[key] = true
	}

	out, err := expr.Run(r.program, env.vars)
	entry.EvaluationDuration = uint64(time.Since(ruleStart).Microseconds())
	if err != nil {
		entry.Result = TraceError
		entry.Error = strptr(err.Error())
		return
	}
	if truthy, ok := out.(bool); ok && truthy {
		entry.Result = TraceMatched
	} else {
		entry.Result = TraceNotMatched
	}
}

func (e *Engine) traceModify(r *Rule, act *action.Action, entry *TraceEntry, result *TraceResult) {
	patch, err := r.Action.Modify.PatchJSON()
	if err != nil {
		result.HasErrors = true
		entry.Error = strptr("invalid patch: " + err.Error())
		return
	}
	entry.ModifyPatch = patch

	original, err := json.Marshal(act.Payload)
	if err != nil {
		result.HasErrors = true
		entry.Error = strptr("payload not serializable: " + err.Error())
		return
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		result.HasErrors = true
		entry.Error = strptr("merge patch failed: " + err.Error())
		return
	}
	entry.ModifiedPayloadPreview = merged

	var payload map[string]any
	if err := json.Unmarshal(merged, &payload); err == nil {
		result.ModifiedPayload = payload
	}
}

func (e *Engine) traceContext(act *action.Action, accessedSet map[string]bool, now time.Time) TraceContext {
	env, _ := buildEnv(context.Background(), nil, act, nil, nil, now, e.defaultTZ)
	tc := TraceContext{
		Time:            timeContext(now, e.defaultTZ),
		EnvironmentKeys: env.keys(),
	}
	if e.defaultTZ != nil {
		tc.EffectiveTimezone = strptr(e.defaultTZ.String())
	}
	for key := range accessedSet {
		tc.AccessedStateKeys = append(tc.AccessedStateKeys, key)
	}
	sort.Strings(tc.AccessedStateKeys)
	return tc
}
