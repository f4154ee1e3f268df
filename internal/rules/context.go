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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
)

// stateRef is one state.{kind}.{id} reference found in a condition. Only
// referenced keys are fetched at evaluation time.
type stateRef struct {
	Kind string
	ID   string
}

var (
	stateDotRef   = regexp.MustCompile(`\bstate\.([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z0-9_.-]+)`)
	stateIndexRef = regexp.MustCompile(`\bstate\.([A-Za-z_][A-Za-z0-9_]*)\[['"]([^'"]+)['"]\]`)
)

func extractStateRefs(condition string) []stateRef {
	var refs []stateRef
	seen := make(map[stateRef]bool)
	add := func(kind, id string) {
		ref := stateRef{Kind: kind, ID: id}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, m := range stateIndexRef.FindAllStringSubmatch(condition, -1) {
		add(m[1], m[2])
	}
	for _, m := range stateDotRef.FindAllStringSubmatch(condition, -1) {
		add(m[1], m[2])
	}
	return refs
}

// evalEnv is the variable set a condition runs against.
type evalEnv struct {
	vars     map[string]any
	accessed []string
}

func (e *evalEnv) keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildEnv assembles the evaluation variables for one rule against one
// action. State references resolve through the store unless a mock value
// overrides them; values that parse as JSON are exposed structurally.
func buildEnv(ctx context.Context, store state.Store, act *action.Action, refs []stateRef, mock map[string]string, now time.Time, loc *time.Location) (*evalEnv, error) {
	stateVars := make(map[string]any)
	var accessed []string
	for _, ref := range refs {
		key := state.NewKey(act.Namespace, act.Tenant, state.Kind(ref.Kind), ref.ID).String()
		accessed = append(accessed, key)

		var raw string
		var ok bool
		if mock != nil {
			raw, ok = mock[key]
			if !ok {
				// Mocks may also be addressed by the short {kind}.{id} form.
				raw, ok = mock[ref.Kind+"."+ref.ID]
			}
		}
		if !ok && store != nil {
			var err error
			raw, ok, err = store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
		}

		kindVars, exists := stateVars[ref.Kind].(map[string]any)
		if !exists {
			kindVars = make(map[string]any)
			stateVars[ref.Kind] = kindVars
		}
		if ok {
			kindVars[ref.ID] = parseStateValue(raw)
		} else {
			kindVars[ref.ID] = nil
		}
	}

	labels := act.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	payload := act.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return &evalEnv{
		vars: map[string]any{
			"id":          act.ID,
			"namespace":   act.Namespace,
			"tenant":      act.Tenant,
			"provider":    act.Provider,
			"action_type": act.ActionType,
			"payload":     payload,
			"dedup_key":   act.DedupKey,
			"status":      act.Status,
			"labels":      labels,
			"state":       stateVars,
			"time":        timeContext(now, loc),
		},
		accessed: accessed,
	}, nil
}

// parseStateValue exposes JSON-shaped state values structurally so
// conditions can compare counters numerically; anything else stays a string.
func parseStateValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}
	return raw
}

// timeContext exposes wall-clock fields in the effective timezone.
func timeContext(now time.Time, loc *time.Location) map[string]any {
	if loc != nil {
		now = now.In(loc)
	}
	return map[string]any{
		"unix":    now.Unix(),
		"year":    now.Year(),
		"month":   int(now.Month()),
		"day":     now.Day(),
		"hour":    now.Hour(),
		"minute":  now.Minute(),
		"second":  now.Second(),
		"weekday": strings.ToLower(now.Weekday().String()),
		"iso":     now.Format(time.RFC3339),
	}
}
