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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// JoinPolicy decides when a parallel step is satisfied.
type JoinPolicy string

const (
	// JoinAll waits for every child to succeed.
	JoinAll JoinPolicy = "all"
	// JoinAny is satisfied by the first successful child; the remaining
	// children are cancelled.
	JoinAny JoinPolicy = "any"
)

// Branch routes to a named step based on the previous response body.
type Branch struct {
	Field          string `yaml:"field" json:"field"`
	Operator       string `yaml:"operator" json:"operator"`
	Value          any    `yaml:"value,omitempty" json:"value,omitempty"`
	TargetStepName string `yaml:"target_step_name" json:"target_step_name"`
}

// ChainStep is one node of a chain definition. Exactly one of the three
// execution modes applies: a provider call, a sub-chain, or a parallel
// fan-out of sub-chains.
type ChainStep struct {
	Name            string         `yaml:"name" json:"name"`
	Provider        string         `yaml:"provider,omitempty" json:"provider,omitempty"`
	ActionType      string         `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	PayloadTemplate map[string]any `yaml:"payload_template,omitempty" json:"payload_template,omitempty"`
	Branches        []Branch       `yaml:"branches,omitempty" json:"branches,omitempty"`
	DefaultNext     string         `yaml:"default_next,omitempty" json:"default_next,omitempty"`

	SubChain         string     `yaml:"sub_chain,omitempty" json:"sub_chain,omitempty"`
	ParallelChildren []string   `yaml:"parallel_children,omitempty" json:"parallel_children,omitempty"`
	Join             JoinPolicy `yaml:"join,omitempty" json:"join,omitempty"`
}

// ChainConfig is a declaratively configured DAG of steps.
type ChainConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Steps       []ChainStep `yaml:"steps" json:"steps"`
	TimeoutSecs int64       `yaml:"timeout_secs" json:"timeout_secs"`
}

// Timeout returns the instance wall-clock bound, defaulting to one hour.
func (c *ChainConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return time.Hour
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Validate checks structural consistency of the definition.
func (c *ChainConfig) Validate() error {
	if c.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "chain must be named"}
	}
	if len(c.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "chain must declare at least one step"}
	}
	names := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		if s.Name == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Message: "step must be named"}
		}
		if names[s.Name] {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Message: fmt.Sprintf("duplicate step %q", s.Name)}
		}
		names[s.Name] = true

		modes := 0
		if s.Provider != "" {
			modes++
		}
		if s.SubChain != "" {
			modes++
		}
		if len(s.ParallelChildren) > 0 {
			modes++
		}
		if modes != 1 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d]", i),
				Message: "step needs exactly one of provider, sub_chain, parallel_children",
			}
		}
		if len(s.ParallelChildren) > 0 && s.Join != JoinAll && s.Join != JoinAny {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].join", i), Message: `join must be "all" or "any"`}
		}
	}
	for i, s := range c.Steps {
		for j, b := range s.Branches {
			if !names[b.TargetStepName] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].branches[%d]", i, j),
					Message: fmt.Sprintf("unknown target step %q", b.TargetStepName),
				}
			}
		}
		if s.DefaultNext != "" && !names[s.DefaultNext] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].default_next", i),
				Message: fmt.Sprintf("unknown step %q", s.DefaultNext),
			}
		}
	}
	return nil
}

func (c *ChainConfig) stepIndex(name string) int {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// ChainStatus is the lifecycle of a chain instance.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
	ChainCancelled ChainStatus = "cancelled"
)

// Waiting marks what a running instance's current step is blocked on.
const (
	waitingSubChain = "sub_chain"
	waitingParallel = "parallel"
)

// StepResult records one executed step.
type StepResult struct {
	StepName     string         `json:"step_name"`
	Success      bool           `json:"success"`
	ResponseBody map[string]any `json:"response_body,omitempty"`
	Error        string         `json:"error,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// ChainInstance is the persisted runtime state of one chain.
type ChainInstance struct {
	ChainID          string         `json:"chain_id"`
	ChainName        string         `json:"chain_name"`
	Namespace        string         `json:"namespace"`
	Tenant           string         `json:"tenant"`
	Status           ChainStatus    `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	StepResults      []StepResult   `json:"step_results"`
	Origin           *action.Action `json:"origin_action"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	ExecutionPath    []string       `json:"execution_path"`
	FailureReason    string         `json:"failure_reason,omitempty"`

	ParentChainID string   `json:"parent_chain_id,omitempty"`
	ChildChainIDs []string `json:"child_chain_ids,omitempty"`

	// Waiting is set while the current step blocks on children.
	Waiting         string     `json:"waiting,omitempty"`
	WaitingChildren []string   `json:"waiting_children,omitempty"`
	WaitingJoin     JoinPolicy `json:"waiting_join,omitempty"`
}

func (i *ChainInstance) stateKey() string {
	return state.NewKey(i.Namespace, i.Tenant, state.KindChain, i.ChainID).String()
}

// Terminal reports whether the instance can never advance again.
func (i *ChainInstance) Terminal() bool {
	return i.Status != ChainRunning
}

// terminalRetention keeps finished instances visible for inspection.
const terminalRetention = 24 * time.Hour

// childWaitPoll bounds how long a waiting parent sleeps between checks on
// its children; child completion re-indexes the parent sooner.
const childWaitPoll = time.Second

// Chains persists chain instances and advances them step by step. All
// instance mutation happens under the per-chain distributed lock.
type Chains struct {
	store   state.Store
	locker  state.Locker
	bus     *events.Bus
	invoker Invoker
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	configs map[string]ChainConfig
}

// NewChains wires the chain runner with its definitions.
func NewChains(store state.Store, locker state.Locker, bus *events.Bus, invoker Invoker, configs []ChainConfig, logger *slog.Logger) (*Chains, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chains{
		store:   store,
		locker:  locker,
		bus:     bus,
		invoker: invoker,
		logger:  logger,
		now:     time.Now,
		configs: make(map[string]ChainConfig),
	}
	if err := c.SetConfigs(configs); err != nil {
		return nil, err
	}
	return c, nil
}

// SetConfigs swaps the chain definitions. Running instances keep the
// semantics of the definition they started under only if the names still
// resolve; operators version chain names across incompatible edits.
func (c *Chains) SetConfigs(configs []ChainConfig) error {
	next := make(map[string]ChainConfig, len(configs))
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return errors.Wrapf(err, "chain %d", i)
		}
		if _, dup := next[configs[i].Name]; dup {
			return &errors.ConfigError{Key: "chains", Reason: fmt.Sprintf("duplicate chain %q", configs[i].Name)}
		}
		next[configs[i].Name] = configs[i]
	}
	c.mu.Lock()
	c.configs = next
	c.mu.Unlock()
	return nil
}

// Config returns one chain definition.
func (c *Chains) Config(name string) (ChainConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[name]
	return cfg, ok
}

// Definitions lists the configured chain names, sorted.
func (c *Chains) Definitions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start creates a running instance for the action. The first step is not
// executed inline; the instance is indexed for immediate pickup by the
// timer loop (or an explicit advance).
func (c *Chains) Start(ctx context.Context, act *action.Action, name string) (*action.Outcome, error) {
	cfg, ok := c.Config(name)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "chain", ID: name}
	}
	inst, err := c.start(ctx, act, name, "")
	if err != nil {
		return nil, err
	}
	return action.ChainStarted(inst.ChainID, inst.ChainName, inst.TotalSteps, cfg.Steps[0].Name), nil
}

func (c *Chains) start(ctx context.Context, act *action.Action, name, parentID string) (*ChainInstance, error) {
	cfg, ok := c.Config(name)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "chain", ID: name}
	}

	now := c.now().UTC()
	expires := now.Add(cfg.Timeout())
	inst := &ChainInstance{
		ChainID:          uuid.New().String(),
		ChainName:        name,
		Namespace:        act.Namespace,
		Tenant:           act.Tenant,
		Status:           ChainRunning,
		CurrentStepIndex: 0,
		TotalSteps:       len(cfg.Steps),
		Origin:           act.Clone(),
		StartedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        &expires,
		ParentChainID:    parentID,
	}

	if err := c.persist(ctx, inst, 0); err != nil {
		return nil, err
	}
	key := inst.stateKey()
	if err := c.store.IndexChainReady(ctx, key, now); err != nil {
		return nil, err
	}
	if err := c.store.IndexTimeout(ctx, key, expires); err != nil {
		return nil, err
	}
	return inst, nil
}

// Advance executes the instance's current step. Advancing a terminal
// instance is a no-op returning the instance unchanged.
func (c *Chains) Advance(ctx context.Context, namespace, tenant, chainID string) (*ChainInstance, error) {
	key := state.NewKey(namespace, tenant, state.KindChain, chainID).String()

	handle, acquired, err := state.AcquireWait(ctx, c.locker, key, lockLease, lockMaxWait)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &errors.ProviderError{
			Code:      errors.CodeConnection,
			Message:   "chain is locked by another writer",
			Retryable: true,
		}
	}
	defer handle.Release(ctx)

	inst, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &errors.NotFoundError{Resource: "chain", ID: chainID}
	}
	if inst.Terminal() {
		return inst, c.store.RemoveChainReadyIndex(ctx, key)
	}

	now := c.now().UTC()
	if inst.ExpiresAt != nil && now.After(*inst.ExpiresAt) {
		return inst, c.finish(ctx, inst, ChainFailed, "timeout")
	}

	cfg, ok := c.Config(inst.ChainName)
	if !ok || inst.CurrentStepIndex >= len(cfg.Steps) {
		return inst, c.finish(ctx, inst, ChainFailed, "definition missing or truncated")
	}
	step := &cfg.Steps[inst.CurrentStepIndex]

	if inst.Waiting != "" {
		return inst, c.checkChildren(ctx, inst, &cfg, step)
	}

	switch {
	case step.SubChain != "":
		return inst, c.spawnChildren(ctx, inst, step, []string{step.SubChain}, JoinAll, waitingSubChain)
	case len(step.ParallelChildren) > 0:
		return inst, c.spawnChildren(ctx, inst, step, step.ParallelChildren, step.Join, waitingParallel)
	default:
		return inst, c.executeStep(ctx, inst, &cfg, step)
	}
}

// executeStep resolves the template, calls the provider, and routes to the
// next step.
func (c *Chains) executeStep(ctx context.Context, inst *ChainInstance, cfg *ChainConfig, step *ChainStep) error {
	stepAction := c.stepAction(inst, step)
	outcome, err := c.invoker.Execute(ctx, stepAction, step.Provider)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	inst.ExecutionPath = append(inst.ExecutionPath, step.Name)

	if outcome.Type != action.OutcomeExecuted {
		reason := fmt.Sprintf("step %s did not execute: %s", step.Name, outcome.Type)
		if outcome.Type == action.OutcomeFailed && outcome.Error != nil {
			reason = fmt.Sprintf("step %s failed: %s", step.Name, outcome.Error.Message)
		}
		inst.StepResults = append(inst.StepResults, StepResult{
			StepName:    step.Name,
			Success:     false,
			Error:       reason,
			CompletedAt: now,
		})
		return c.finish(ctx, inst, ChainFailed, reason)
	}

	var body map[string]any
	if outcome.Response != nil {
		body = outcome.Response.Body
	}
	inst.StepResults = append(inst.StepResults, StepResult{
		StepName:     step.Name,
		Success:      true,
		ResponseBody: body,
		CompletedAt:  now,
	})

	nextName := routeNext(step, body)
	c.publishStep(inst, step.Name, nextName)

	if nextName == "" {
		return c.finish(ctx, inst, ChainCompleted, "")
	}

	next := cfg.stepIndex(nextName)
	if next < 0 {
		return c.finish(ctx, inst, ChainFailed, fmt.Sprintf("branch targets unknown step %q", nextName))
	}
	inst.CurrentStepIndex = next
	inst.UpdatedAt = now
	if err := c.persist(ctx, inst, 0); err != nil {
		return err
	}
	return c.store.IndexChainReady(ctx, inst.stateKey(), now)
}

// stepAction builds the per-step action from the resolved template.
func (c *Chains) stepAction(inst *ChainInstance, step *ChainStep) *action.Action {
	payload := c.resolvePayload(inst, step)
	actionType := step.ActionType
	if actionType == "" {
		actionType = inst.Origin.ActionType
	}
	a := action.New(inst.Namespace, inst.Tenant, step.Provider, actionType, payload)
	a.Labels = inst.Origin.Labels
	a.TraceContext = inst.Origin.TraceContext
	return a
}

func (c *Chains) resolvePayload(inst *ChainInstance, step *ChainStep) map[string]any {
	if step.PayloadTemplate == nil {
		if inst.Origin.Payload == nil {
			return map[string]any{}
		}
		return inst.Origin.Payload
	}
	tc := &templateContext{
		Origin:    inst.Origin,
		Steps:     make(map[string]map[string]any, len(inst.StepResults)),
		ChainID:   inst.ChainID,
		StepIndex: inst.CurrentStepIndex,
	}
	for i := range inst.StepResults {
		r := &inst.StepResults[i]
		if r.Success {
			tc.Steps[r.StepName] = r.ResponseBody
			tc.Prev = r.ResponseBody
		}
	}
	resolved, _ := resolveTemplate(step.PayloadTemplate, tc).(map[string]any)
	if resolved == nil {
		resolved = map[string]any{}
	}
	return resolved
}

// routeNext evaluates the step's branches over the response body; the
// first match wins, then default_next, then the chain completes.
func routeNext(step *ChainStep, body map[string]any) string {
	for i := range step.Branches {
		if branchMatch(&step.Branches[i], body) {
			return step.Branches[i].TargetStepName
		}
	}
	return step.DefaultNext
}

func branchMatch(b *Branch, body map[string]any) bool {
	val, found := lookupPath(body, strings.Split(b.Field, "."))
	switch b.Operator {
	case "exists":
		return found
	case "not_exists":
		return !found
	case "eq":
		return found && looseEqual(val, b.Value)
	case "ne":
		return !found || !looseEqual(val, b.Value)
	case "gt", "lt", "gte", "lte":
		lhs, lok := toFloat(val)
		rhs, rok := toFloat(b.Value)
		if !found || !lok || !rok {
			return false
		}
		switch b.Operator {
		case "gt":
			return lhs > rhs
		case "lt":
			return lhs < rhs
		case "gte":
			return lhs >= rhs
		default:
			return lhs <= rhs
		}
	case "contains":
		if !found {
			return false
		}
		switch v := val.(type) {
		case string:
			s, ok := b.Value.(string)
			return ok && strings.Contains(v, s)
		case []any:
			for _, item := range v {
				if looseEqual(item, b.Value) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares JSON scalars; numbers compare by value regardless of
// their Go representation.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// spawnChildren starts the step's sub-chains and parks the parent until
// the join policy is satisfied.
func (c *Chains) spawnChildren(ctx context.Context, inst *ChainInstance, step *ChainStep, names []string, join JoinPolicy, waiting string) error {
	childOrigin := inst.Origin.Clone()
	if step.PayloadTemplate != nil {
		childOrigin.Payload = c.resolvePayload(inst, step)
	}

	children := make([]string, 0, len(names))
	for _, name := range names {
		child, err := c.start(ctx, childOrigin, name, inst.ChainID)
		if err != nil {
			inst.StepResults = append(inst.StepResults, StepResult{
				StepName:    step.Name,
				Success:     false,
				Error:       fmt.Sprintf("spawning sub-chain %s: %v", name, err),
				CompletedAt: c.now().UTC(),
			})
			inst.ExecutionPath = append(inst.ExecutionPath, step.Name)
			return c.finish(ctx, inst, ChainFailed, fmt.Sprintf("sub-chain %s failed to start", name))
		}
		children = append(children, child.ChainID)
	}

	now := c.now().UTC()
	inst.ChildChainIDs = append(inst.ChildChainIDs, children...)
	inst.Waiting = waiting
	inst.WaitingChildren = children
	inst.WaitingJoin = join
	inst.UpdatedAt = now
	if err := c.persist(ctx, inst, 0); err != nil {
		return err
	}
	// Children wake the parent on completion; the poll is a safety net.
	return c.store.IndexChainReady(ctx, inst.stateKey(), now.Add(childWaitPoll))
}

// checkChildren resolves a waiting step once its join policy is decided.
func (c *Chains) checkChildren(ctx context.Context, inst *ChainInstance, cfg *ChainConfig, step *ChainStep) error {
	var succeeded, failed, running []*ChainInstance
	for _, childID := range inst.WaitingChildren {
		childKey := state.NewKey(inst.Namespace, inst.Tenant, state.KindChain, childID).String()
		child, err := c.load(ctx, childKey)
		if err != nil {
			return err
		}
		switch {
		case child == nil || child.Status == ChainFailed || child.Status == ChainCancelled:
			failed = append(failed, child)
		case child.Status == ChainCompleted:
			succeeded = append(succeeded, child)
		default:
			running = append(running, child)
		}
	}

	var done, stepOK bool
	switch inst.WaitingJoin {
	case JoinAny:
		if len(succeeded) > 0 {
			done, stepOK = true, true
		} else if len(running) == 0 {
			done, stepOK = true, false
		}
	default: // JoinAll
		if len(failed) > 0 {
			done, stepOK = true, false
		} else if len(running) == 0 {
			done, stepOK = true, true
		}
	}

	now := c.now().UTC()
	if !done {
		return c.store.IndexChainReady(ctx, inst.stateKey(), now.Add(childWaitPoll))
	}

	// A satisfied "any" join cancels the siblings still running.
	if stepOK && inst.WaitingJoin == JoinAny {
		for _, sibling := range running {
			if err := c.Cancel(ctx, sibling.Namespace, sibling.Tenant, sibling.ChainID); err != nil {
				c.logger.Warn("cancelling parallel sibling failed",
					log.ChainIDKey, sibling.ChainID, log.Error(err))
			}
		}
	}

	body := map[string]any{"children": childSummary(succeeded, failed)}
	inst.Waiting = ""
	inst.WaitingChildren = nil
	inst.WaitingJoin = ""
	inst.ExecutionPath = append(inst.ExecutionPath, step.Name)
	inst.StepResults = append(inst.StepResults, StepResult{
		StepName:     step.Name,
		Success:      stepOK,
		ResponseBody: body,
		CompletedAt:  now,
	})

	if !stepOK {
		return c.finish(ctx, inst, ChainFailed, fmt.Sprintf("step %s: child chain failed", step.Name))
	}

	nextName := routeNext(step, body)
	c.publishStep(inst, step.Name, nextName)
	if nextName == "" {
		return c.finish(ctx, inst, ChainCompleted, "")
	}
	next := cfg.stepIndex(nextName)
	if next < 0 {
		return c.finish(ctx, inst, ChainFailed, fmt.Sprintf("branch targets unknown step %q", nextName))
	}
	inst.CurrentStepIndex = next
	inst.UpdatedAt = now
	if err := c.persist(ctx, inst, 0); err != nil {
		return err
	}
	return c.store.IndexChainReady(ctx, inst.stateKey(), now)
}

func childSummary(succeeded, failed []*ChainInstance) []map[string]any {
	out := make([]map[string]any, 0, len(succeeded)+len(failed))
	for _, child := range succeeded {
		out = append(out, map[string]any{"chain_id": child.ChainID, "chain_name": child.ChainName, "status": child.Status})
	}
	for _, child := range failed {
		if child == nil {
			out = append(out, map[string]any{"status": "missing"})
			continue
		}
		out = append(out, map[string]any{"chain_id": child.ChainID, "chain_name": child.ChainName, "status": child.Status})
	}
	return out
}

// finish moves the instance to a terminal status, cleans its indexes, and
// wakes the parent chain if there is one.
func (c *Chains) finish(ctx context.Context, inst *ChainInstance, status ChainStatus, reason string) error {
	now := c.now().UTC()
	inst.Status = status
	inst.FailureReason = reason
	inst.UpdatedAt = now

	key := inst.stateKey()
	if err := c.persist(ctx, inst, terminalRetention); err != nil {
		return err
	}
	if err := c.store.RemoveChainReadyIndex(ctx, key); err != nil {
		return err
	}
	if err := c.store.RemoveTimeoutIndex(ctx, key); err != nil {
		return err
	}

	event := events.NewEvent(events.ChainCompleted, inst.Namespace, inst.Tenant)
	event.ActionID = inst.Origin.ID
	event.Payload = map[string]any{
		"chain_id":       inst.ChainID,
		"chain_name":     inst.ChainName,
		"status":         status,
		"execution_path": inst.ExecutionPath,
	}
	if reason != "" {
		event.Payload["reason"] = reason
	}
	c.publish(event)

	if inst.ParentChainID != "" {
		parentKey := state.NewKey(inst.Namespace, inst.Tenant, state.KindChain, inst.ParentChainID).String()
		if err := c.store.IndexChainReady(ctx, parentKey, now); err != nil {
			c.logger.Warn("waking parent chain failed", log.ChainIDKey, inst.ParentChainID, log.Error(err))
		}
	}
	return nil
}

// Timeout fails a chain whose wall-clock budget has elapsed. Called by
// the timer loop with the chain's state key.
func (c *Chains) Timeout(ctx context.Context, key string) error {
	parsed, err := state.ParseKey(key)
	if err != nil {
		return err
	}

	handle, acquired, err := state.AcquireWait(ctx, c.locker, key, lockLease, lockMaxWait)
	if err != nil {
		return err
	}
	if !acquired {
		return &errors.ProviderError{Code: errors.CodeConnection, Message: "chain is locked", Retryable: true}
	}
	defer handle.Release(ctx)

	inst, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	if inst == nil || inst.Terminal() {
		return c.store.RemoveTimeoutIndex(ctx, key)
	}
	if inst.ExpiresAt != nil && c.now().UTC().Before(*inst.ExpiresAt) {
		return nil
	}

	c.logger.Info("chain timed out",
		log.ChainIDKey, parsed.ID,
		log.NamespaceKey, inst.Namespace,
		log.TenantKey, inst.Tenant)
	return c.finish(ctx, inst, ChainFailed, "timeout")
}

// Cancel terminates a running instance and its running children.
func (c *Chains) Cancel(ctx context.Context, namespace, tenant, chainID string) error {
	key := state.NewKey(namespace, tenant, state.KindChain, chainID).String()

	handle, acquired, err := state.AcquireWait(ctx, c.locker, key, lockLease, lockMaxWait)
	if err != nil {
		return err
	}
	if !acquired {
		return &errors.ProviderError{Code: errors.CodeConnection, Message: "chain is locked", Retryable: true}
	}
	defer handle.Release(ctx)

	inst, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	if inst == nil {
		return &errors.NotFoundError{Resource: "chain", ID: chainID}
	}
	if inst.Terminal() {
		return nil
	}

	for _, childID := range inst.ChildChainIDs {
		if err := c.Cancel(ctx, namespace, tenant, childID); err != nil {
			var notFound *errors.NotFoundError
			if !errors.As(err, &notFound) {
				c.logger.Warn("cancelling child chain failed", log.ChainIDKey, childID, log.Error(err))
			}
		}
	}
	return c.finish(ctx, inst, ChainCancelled, "cancelled")
}

// Get returns one instance.
func (c *Chains) Get(ctx context.Context, namespace, tenant, chainID string) (*ChainInstance, error) {
	key := state.NewKey(namespace, tenant, state.KindChain, chainID).String()
	inst, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &errors.NotFoundError{Resource: "chain", ID: chainID}
	}
	return inst, nil
}

// List returns the scope's instances, newest first, optionally filtered
// by status.
func (c *Chains) List(ctx context.Context, namespace, tenant string, status ChainStatus) ([]ChainInstance, error) {
	keys, err := c.store.ScanKeys(ctx, namespace, tenant, state.KindChain, "")
	if err != nil {
		return nil, err
	}
	out := make([]ChainInstance, 0, len(keys))
	for _, key := range keys {
		inst, err := c.load(ctx, key)
		if err != nil || inst == nil {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (c *Chains) publishStep(inst *ChainInstance, stepName, nextStep string) {
	event := events.NewEvent(events.ChainStepCompleted, inst.Namespace, inst.Tenant)
	event.ActionID = inst.Origin.ID
	event.Payload = map[string]any{
		"chain_id":   inst.ChainID,
		"chain_name": inst.ChainName,
		"step":       stepName,
	}
	if nextStep != "" {
		event.Payload["next_step"] = nextStep
	}
	c.publish(event)
}

func (c *Chains) publish(event events.StreamEvent) {
	if c.bus != nil {
		c.bus.Publish(event)
	}
}

func (c *Chains) load(ctx context.Context, key string) (*ChainInstance, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var inst ChainInstance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, errors.Wrap(err, "corrupt chain state")
	}
	return &inst, nil
}

func (c *Chains) persist(ctx context.Context, inst *ChainInstance, ttl time.Duration) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, inst.stateKey(), string(raw), ttl)
}
