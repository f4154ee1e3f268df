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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/pkg/errors"
)

// ruleFile is the YAML document shape: a top-level rules list.
type ruleFile struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Name        string            `yaml:"name"`
	Priority    int               `yaml:"priority"`
	Enabled     *bool             `yaml:"enabled"`
	Description string            `yaml:"description"`
	Condition   string            `yaml:"condition"`
	Action      rawAction         `yaml:"action"`
	Timezone    string            `yaml:"timezone"`
	Version     int               `yaml:"version"`
	Metadata    map[string]string `yaml:"metadata"`
}

// rawAction flattens every variant's fields; type selects which are read.
type rawAction struct {
	Type string `yaml:"type"`

	TTLSecs int64 `yaml:"ttl_secs"`

	Target string `yaml:"target"`

	MaxCount   int64 `yaml:"max_count"`
	WindowSecs int64 `yaml:"window_secs"`

	Patch map[string]any `yaml:"patch"`

	By           []string `yaml:"by"`
	WaitSecs     int64    `yaml:"wait_secs"`
	IntervalSecs int64    `yaml:"interval_secs"`
	MaxSize      int      `yaml:"max_size"`
	Template     string   `yaml:"template"`
	ResetOnEvent bool     `yaml:"reset_on_event"`

	NotifyProvider string `yaml:"notify_provider"`
	TimeoutSecs    int64  `yaml:"timeout_secs"`
	Message        string `yaml:"message"`

	Name              string   `yaml:"name"`
	FingerprintFields []string `yaml:"fingerprint_fields"`

	Params map[string]any `yaml:"params"`
}

func (raw rawAction) toAction() (RuleAction, error) {
	a := RuleAction{Type: ActionType(raw.Type)}
	switch a.Type {
	case ActionDeduplicate:
		a.Deduplicate = &DeduplicateAction{TTLSecs: raw.TTLSecs}
	case ActionReroute:
		a.Reroute = &RerouteAction{Target: raw.Target}
	case ActionThrottle:
		a.Throttle = &ThrottleAction{MaxCount: raw.MaxCount, WindowSecs: raw.WindowSecs}
	case ActionModify:
		a.Modify = &ModifyAction{Patch: raw.Patch}
	case ActionGroup:
		a.Group = &GroupAction{
			By:           raw.By,
			WaitSecs:     raw.WaitSecs,
			IntervalSecs: raw.IntervalSecs,
			MaxSize:      raw.MaxSize,
			Template:     raw.Template,
			ResetOnEvent: raw.ResetOnEvent,
		}
	case ActionRequestApproval:
		a.Approval = &ApprovalAction{
			NotifyProvider: raw.NotifyProvider,
			TimeoutSecs:    raw.TimeoutSecs,
			Message:        raw.Message,
		}
	case ActionChain:
		a.Chain = &ChainAction{Name: raw.Name}
	case ActionStateMachine:
		a.StateMachine = &StateMachineAction{Name: raw.Name, FingerprintFields: raw.FingerprintFields}
	case ActionCustom:
		a.Custom = &CustomAction{Name: raw.Name, Params: raw.Params}
	}
	return a, a.Validate()
}

// Compile builds a ready-to-evaluate rule from its parts. The condition is
// compiled once; its state references are extracted for lazy resolution.
func Compile(r Rule) (*Rule, error) {
	if r.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "rule name is required"}
	}
	if r.Condition == "" {
		return nil, &errors.ValidationError{Field: "condition", Message: "rule " + r.Name + " has no condition"}
	}
	if err := r.Action.Validate(); err != nil {
		return nil, errors.Wrapf(err, "rule %s", r.Name)
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return nil, &errors.ValidationError{
				Field:   "timezone",
				Message: "rule " + r.Name + ": unknown timezone " + r.Timezone,
			}
		}
	}

	program, err := compileCondition(r.Condition)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "condition",
			Message: "rule " + r.Name + ": " + err.Error(),
		}
	}
	r.program = program
	r.stateRefs = extractStateRefs(r.Condition)
	return &r, nil
}

// LoadFile parses and compiles every rule in one YAML file.
func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read rules file %s", path)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errors.ValidationError{
			Field:   filepath.Base(path),
			Message: "invalid rules yaml: " + err.Error(),
		}
	}

	rules := make([]*Rule, 0, len(doc.Rules))
	for _, raw := range doc.Rules {
		action, err := raw.Action.toAction()
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s in %s", raw.Name, filepath.Base(path))
		}
		enabled := true
		if raw.Enabled != nil {
			enabled = *raw.Enabled
		}
		rule, err := Compile(Rule{
			Name:        raw.Name,
			Priority:    raw.Priority,
			Enabled:     enabled,
			Description: raw.Description,
			Condition:   raw.Condition,
			Action:      action,
			Timezone:    raw.Timezone,
			Version:     raw.Version,
			Metadata:    raw.Metadata,
			Source:      filepath.Base(path),
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadDir loads every .yaml/.yml file under dir, non-recursively, and
// returns the combined rule set sorted by ascending priority. Duplicate
// rule names across files are rejected.
func LoadDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read rules directory %s", dir)
	}

	var rules []*Rule
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		fileRules, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, r := range fileRules {
			if prev, dup := seen[r.Name]; dup {
				return nil, &errors.ValidationError{
					Field:   "name",
					Message: "rule " + r.Name + " defined in both " + prev + " and " + r.Source,
				}
			}
			seen[r.Name] = r.Source
			rules = append(rules, r)
		}
	}

	SortRules(rules)
	return rules, nil
}

// SortRules orders rules by ascending priority, name as tiebreak so the
// order is deterministic across reloads.
func SortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}
