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
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// Engine holds the active rule set and evaluates actions against it.
// Readers evaluate concurrently; reloads and enable toggles are exclusive.
type Engine struct {
	store     state.Store
	logger    *slog.Logger
	defaultTZ *time.Location
	now       func() time.Time

	mu    sync.RWMutex
	rules []*Rule
}

// Option configures the engine.
type Option func(*Engine)

// WithTimezone sets the default timezone for time.* context fields. Rules
// with their own timezone override it.
func WithTimezone(loc *time.Location) Option {
	return func(e *Engine) { e.defaultTZ = loc }
}

// WithClock overrides the engine clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine with an empty rule set. The store backs
// state.* lookups in conditions and may be nil when rules never use them.
func NewEngine(store state.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		logger:    slog.Default(),
		defaultTZ: time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Replace swaps in a new rule set atomically.
func (e *Engine) Replace(rules []*Rule) {
	SortRules(rules)
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.logger.Info("rule set replaced", "rules", len(rules))
}

// Snapshot returns the current rules in evaluation order.
func (e *Engine) Snapshot() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// List returns the rule listing projections in priority order.
func (e *Engine) List() []Info {
	rules := e.Snapshot()
	infos := make([]Info, len(rules))
	for i, r := range rules {
		infos[i] = r.Info()
	}
	return infos
}

// SetEnabled toggles one rule by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.Name == name {
			r.Enabled = enabled
			return nil
		}
	}
	return &errors.NotFoundError{Resource: "rule", ID: name}
}

// tzFor resolves the effective timezone for one rule.
func (e *Engine) tzFor(r *Rule) *time.Location {
	if r.Timezone == "" {
		return e.defaultTZ
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return e.defaultTZ
	}
	return loc
}

// Evaluate walks the rule set in priority order and returns the verdict of
// the first enabled rule whose condition is truthy, or the default allow.
// A rule that errors is logged and skipped; evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, act *action.Action) Verdict {
	return e.EvaluateSkipping(ctx, act, "")
}

// EvaluateSkipping evaluates while ignoring one rule by name. The approval
// flow uses it to re-dispatch a decided action without re-triggering the
// rule that gated it.
func (e *Engine) EvaluateSkipping(ctx context.Context, act *action.Action, skipRule string) Verdict {
	now := e.now()
	for _, r := range e.Snapshot() {
		if !r.Enabled || (skipRule != "" && r.Name == skipRule) {
			continue
		}
		matched, err := e.evalRule(ctx, r, act, nil, now)
		if err != nil {
			e.logger.Warn("rule evaluation error",
				log.RuleKey, r.Name,
				log.ActionIDKey, act.ID,
				log.Error(err))
			continue
		}
		if matched {
			return Verdict{Action: r.Action, Rule: r}
		}
	}
	return AllowVerdict()
}

// evalRule runs one rule's condition against one action.
func (e *Engine) evalRule(ctx context.Context, r *Rule, act *action.Action, mock map[string]string, now time.Time) (bool, error) {
	env, err := buildEnv(ctx, e.store, act, r.stateRefs, mock, now, e.tzFor(r))
	if err != nil {
		return false, err
	}
	out, err := expr.Run(r.program, env.vars)
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: "condition did not evaluate to a boolean",
		}
	}
	return matched, nil
}
