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

// Package dispatch is the core pipeline: one submitted action in, exactly
// one observable outcome out. The dispatcher coordinates rule evaluation,
// verdict handling, provider invocation behind circuit breakers, durable
// workflow state, audit emission and event broadcast.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/breaker"
	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/internal/workflow"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// CustomHandler executes a deployment-specific custom verdict.
type CustomHandler func(ctx context.Context, act *action.Action, params map[string]any) (*action.Outcome, error)

// Deps are the dispatcher's collaborators. Store, Locker, Rules,
// Providers, Breakers, Executor, Audit and Bus are required; the rest
// default sensibly.
type Deps struct {
	Store     state.Store
	Locker    state.Locker
	Rules     *rules.Engine
	Providers *provider.Registry
	Breakers  *breaker.Registry
	Executor  *executor.Executor
	Audit     audit.Sink
	Bus       *events.Bus

	// Signer enables approvals; without it a request_approval verdict
	// fails with CONFIGURATION.
	Signer *workflow.Signer
	// Definitions carry chain, state machine and quota declarations.
	Definitions *workflow.Definitions

	Metrics *Metrics
	DLQSize int
	Logger  *slog.Logger

	// AuditRetention stamps expires_at on audit records; zero keeps them
	// until an operator cleanup.
	AuditRetention time.Duration
}

// Dispatcher runs the pipeline. It is safe for concurrent use.
type Dispatcher struct {
	store    state.Store
	rules    *rules.Engine
	breakers *breaker.Registry
	exec     *executor.Executor
	sink     audit.Sink
	bus      *events.Bus
	metrics  *Metrics
	dlq      *DLQ
	logger   *slog.Logger
	now      func() time.Time

	deduper   *workflow.Deduper
	throttler *workflow.Throttler
	quotas    *workflow.QuotaManager
	grouper   *workflow.Grouper
	approvals *workflow.Approvals
	machines  *workflow.Machines
	chains    *workflow.Chains

	auditRetention time.Duration

	mu     sync.RWMutex
	custom map[string]CustomHandler
}

// New wires the dispatcher and its workflow components.
func New(deps Deps) (*Dispatcher, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "dispatch")

	defs := deps.Definitions
	if defs == nil {
		defs = &workflow.Definitions{}
	}

	quotas, err := workflow.NewQuotaManager(deps.Store, defs.Quotas)
	if err != nil {
		return nil, err
	}
	machines, err := workflow.NewMachines(deps.Store, deps.Locker, defs.StateMachines, logger)
	if err != nil {
		return nil, err
	}
	chains, err := workflow.NewChains(deps.Store, deps.Locker, deps.Bus, deps.Executor, defs.Chains, logger)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		store:          deps.Store,
		rules:          deps.Rules,
		breakers:       deps.Breakers,
		exec:           deps.Executor,
		sink:           deps.Audit,
		bus:            deps.Bus,
		metrics:        deps.Metrics,
		dlq:            NewDLQ(deps.DLQSize),
		logger:         logger,
		now:            time.Now,
		deduper:        workflow.NewDeduper(deps.Store),
		throttler:      workflow.NewThrottler(deps.Store),
		quotas:         quotas,
		grouper:        workflow.NewGrouper(deps.Store, deps.Locker, deps.Bus, deps.Executor, logger),
		machines:       machines,
		chains:         chains,
		auditRetention: deps.AuditRetention,
		custom:         make(map[string]CustomHandler),
	}
	if deps.Signer != nil {
		d.approvals = workflow.NewApprovals(deps.Store, deps.Signer, deps.Bus, deps.Executor, logger)
	}
	if deps.Breakers != nil && deps.Metrics != nil {
		deps.Breakers.OnTransition = func(provider, from, to string) {
			deps.Metrics.BreakerTransitions.WithLabelValues(provider, to).Inc()
		}
	}
	return d, nil
}

// Component accessors for the API surface.

func (d *Dispatcher) Rules() *rules.Engine              { return d.rules }
func (d *Dispatcher) Breakers() *breaker.Registry       { return d.breakers }
func (d *Dispatcher) Grouper() *workflow.Grouper        { return d.grouper }
func (d *Dispatcher) Approvals() *workflow.Approvals    { return d.approvals }
func (d *Dispatcher) Machines() *workflow.Machines      { return d.machines }
func (d *Dispatcher) Chains() *workflow.Chains          { return d.chains }
func (d *Dispatcher) Quotas() *workflow.QuotaManager    { return d.quotas }
func (d *Dispatcher) DLQ() *DLQ                         { return d.dlq }
func (d *Dispatcher) Audit() audit.Sink                 { return d.sink }
func (d *Dispatcher) Bus() *events.Bus                  { return d.bus }

// RegisterCustom installs a handler for custom verdicts with this name.
func (d *Dispatcher) RegisterCustom(name string, handler CustomHandler) {
	d.mu.Lock()
	d.custom[name] = handler
	d.mu.Unlock()
}

// Dispatch runs one action through the full pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, act *action.Action) (*action.Outcome, error) {
	return d.dispatch(ctx, act, "")
}

// Redispatch re-submits an approved action, skipping the rule that gated
// it. It is the workflow.Redispatcher the approval endpoints use.
func (d *Dispatcher) Redispatch(ctx context.Context, act *action.Action, skipRule string) (*action.Outcome, error) {
	return d.dispatch(ctx, act, skipRule)
}

// BatchResult is one entry of a batch dispatch. Exactly one of Outcome
// and Err is set.
type BatchResult struct {
	Outcome *action.Outcome
	Err     error
}

// DispatchBatch dispatches the actions concurrently and returns results
// in submission order. One bad action does not void the batch.
func (d *Dispatcher) DispatchBatch(ctx context.Context, acts []*action.Action) []BatchResult {
	results := make([]BatchResult, len(acts))
	var wg sync.WaitGroup
	for i, act := range acts {
		wg.Add(1)
		go func(i int, act *action.Action) {
			defer wg.Done()
			outcome, err := d.dispatch(ctx, act, "")
			results[i] = BatchResult{Outcome: outcome, Err: err}
		}(i, act)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) dispatch(ctx context.Context, act *action.Action, skipRule string) (*action.Outcome, error) {
	start := d.now().UTC()
	if err := act.Validate(); err != nil {
		return nil, err
	}

	if decision, err := d.quotas.Check(ctx, act); err != nil {
		return nil, err
	} else if decision.Exceeded {
		if outcome := d.handleOverage(ctx, act, decision); outcome != nil {
			d.finish(act, "quota:"+decision.Policy, nil, outcome, start)
			return outcome, nil
		}
	}

	verdict := d.rules.EvaluateSkipping(ctx, act, skipRule)
	outcome, err := d.applyVerdict(ctx, act, verdict)
	if err != nil {
		// Cancellation: no outcome was produced, nothing to audit.
		return nil, err
	}

	matched := verdict.MatchedRule()
	var matchedPtr *string
	if matched != "" {
		matchedPtr = &matched
	}
	d.finish(act, string(verdict.Action.Type), matchedPtr, outcome, start)
	return outcome, nil
}

// handleOverage applies the exhausted quota's behaviour. A nil return
// means the dispatch continues (warn/notify pass through).
func (d *Dispatcher) handleOverage(ctx context.Context, act *action.Action, decision *workflow.QuotaDecision) *action.Outcome {
	event := events.NewEvent(events.QuotaExceeded, act.Namespace, act.Tenant)
	event.ActionID = act.ID
	event.ActionType = act.ActionType
	event.Payload = map[string]any{
		"policy":   decision.Policy,
		"behavior": decision.Behavior.Kind,
	}

	switch decision.Behavior.Kind {
	case workflow.OverageBlock:
		d.publish(event)
		return action.Throttled(decision.RetryAfter)
	case workflow.OverageDegrade:
		d.publish(event)
		outcome, err := d.executeProvider(ctx, act, decision.Behavior.Fallback)
		if err != nil || outcome == nil {
			return action.Failed(string(errors.CodeOf(err)), "degraded dispatch cancelled", false, 0)
		}
		if outcome.Type == action.OutcomeExecuted {
			return action.Rerouted(act.Provider, decision.Behavior.Fallback, outcome.Response)
		}
		return outcome
	case workflow.OverageNotify:
		event.Payload["target"] = decision.Behavior.Target
		d.publish(event)
		return nil
	default: // OverageWarn
		d.logger.Warn("quota exceeded",
			log.NamespaceKey, act.Namespace,
			log.TenantKey, act.Tenant,
			"policy", decision.Policy)
		d.publish(event)
		return nil
	}
}

// applyVerdict maps the rule verdict to its handler. It returns an error
// only when the dispatch was cancelled before producing an outcome.
func (d *Dispatcher) applyVerdict(ctx context.Context, act *action.Action, verdict rules.Verdict) (*action.Outcome, error) {
	switch verdict.Action.Type {
	case rules.ActionAllow:
		return d.executeProvider(ctx, act, act.Provider)

	case rules.ActionDeny, rules.ActionSuppress:
		return action.Suppressed(verdict.MatchedRule()), nil

	case rules.ActionDeduplicate:
		winner, err := d.deduper.Claim(ctx, act, verdict.Action.Deduplicate.TTL())
		if err != nil {
			return nil, err
		}
		if !winner {
			return action.Deduplicated(), nil
		}
		return d.executeProvider(ctx, act, act.Provider)

	case rules.ActionReroute:
		target := verdict.Action.Reroute.Target
		outcome, err := d.executeProvider(ctx, act, target)
		if err != nil || outcome == nil {
			return outcome, err
		}
		if outcome.Type == action.OutcomeExecuted {
			return action.Rerouted(act.Provider, target, outcome.Response), nil
		}
		return outcome, nil

	case rules.ActionThrottle:
		cfg := verdict.Action.Throttle
		allowed, retryAfter, err := d.throttler.Allow(ctx, act, cfg.MaxCount, cfg.Window())
		if err != nil {
			return nil, err
		}
		if !allowed {
			return action.Throttled(retryAfter), nil
		}
		return d.executeProvider(ctx, act, act.Provider)

	case rules.ActionModify:
		modified, err := d.applyPatch(act, verdict.Action.Modify)
		if err != nil {
			return action.Failed(string(errors.CodeSerialization), err.Error(), false, 0), nil
		}
		return d.executeProvider(ctx, modified, modified.Provider)

	case rules.ActionGroup:
		return d.grouper.Add(ctx, act, verdict.Action.Group)

	case rules.ActionRequestApproval:
		if d.approvals == nil {
			return action.Failed(string(errors.CodeConfiguration), "approvals are not configured", false, 0), nil
		}
		return d.approvals.Request(ctx, act, verdict.Action.Approval, verdict.MatchedRule())

	case rules.ActionChain:
		return d.chains.Start(ctx, act, verdict.Action.Chain.Name)

	case rules.ActionStateMachine:
		outcome, err := d.machines.Transition(ctx, act, verdict.Action.StateMachine)
		if err != nil {
			return nil, err
		}
		if outcome.Notify {
			d.notifyTransition(ctx, act, outcome)
		}
		return outcome, nil

	case rules.ActionCustom:
		d.mu.RLock()
		handler := d.custom[verdict.Action.Custom.Name]
		d.mu.RUnlock()
		if handler == nil {
			return action.Failed(string(errors.CodeConfiguration),
				"no handler registered for custom verdict "+verdict.Action.Custom.Name, false, 0), nil
		}
		return handler(ctx, act, verdict.Action.Custom.Params)

	default:
		return action.Failed(string(errors.CodeConfiguration),
			"unhandled verdict "+string(verdict.Action.Type), false, 0), nil
	}
}

// applyPatch merge-patches a clone's payload; the submitted action is
// never mutated.
func (d *Dispatcher) applyPatch(act *action.Action, cfg *rules.ModifyAction) (*action.Action, error) {
	patch, err := cfg.PatchJSON()
	if err != nil {
		return nil, err
	}
	clone := act.Clone()
	base, err := json.Marshal(clone.Payload)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(merged, &payload); err != nil {
		return nil, err
	}
	clone.Payload = payload
	return clone, nil
}

// notifyTransition sends the original action downstream after a notify
// transition. Delivery failure does not change the StateChanged outcome.
func (d *Dispatcher) notifyTransition(ctx context.Context, act *action.Action, transition *action.Outcome) {
	outcome, err := d.executeProvider(ctx, act, act.Provider)
	if err != nil || outcome == nil {
		return
	}
	if outcome.Type != action.OutcomeExecuted {
		d.logger.Warn("state transition notification not delivered",
			log.ActionIDKey, act.ID,
			log.ProviderKey, act.Provider,
			log.OutcomeKey, string(outcome.Type),
			"new_state", transition.NewState)
	}
}

// executeProvider consults the provider's breaker, runs the executor, and
// reports the result back to the breaker. An open breaker reroutes to the
// configured fallback or returns CircuitOpen.
func (d *Dispatcher) executeProvider(ctx context.Context, act *action.Action, providerName string) (*action.Outcome, error) {
	br := d.breakers.For(providerName)
	done, err := br.Allow()
	if err != nil {
		if fallback := br.Fallback(); fallback != "" && fallback != providerName {
			if d.metrics != nil {
				d.metrics.CircuitFallbacks.Inc()
			}
			outcome, err := d.executeProvider(ctx, act, fallback)
			if err != nil || outcome == nil {
				return outcome, err
			}
			if outcome.Type == action.OutcomeExecuted {
				return action.Rerouted(providerName, fallback, outcome.Response), nil
			}
			return outcome, nil
		}
		return action.CircuitOpen(providerName, br.RetryAfter()), nil
	}

	outcome, err := d.exec.Execute(ctx, act, providerName)
	if err != nil {
		// Cancelled before a result; the breaker treats it as a failure.
		done(false)
		return nil, err
	}
	success := outcome.Type == action.OutcomeExecuted
	done(success)

	if d.metrics != nil {
		result := "success"
		if !success {
			result = "failure"
		}
		d.metrics.ProviderCalls.WithLabelValues(providerName, result).Inc()
	}
	if outcome.Type == action.OutcomeFailed {
		d.deadLetter(act, providerName, outcome)
	}
	return outcome, nil
}

func (d *Dispatcher) deadLetter(act *action.Action, providerName string, outcome *action.Outcome) {
	entry := DLQEntry{
		ActionID:   act.ID,
		Namespace:  act.Namespace,
		Tenant:     act.Tenant,
		Provider:   providerName,
		ActionType: act.ActionType,
		Timestamp:  d.now().UTC(),
	}
	if outcome.Error != nil {
		entry.Error = outcome.Error.Message
		entry.Attempts = outcome.Error.Attempts
	}
	d.dlq.Push(entry)
	if d.metrics != nil {
		d.metrics.DLQDepth.Set(float64(d.dlq.Depth()))
	}
}

// finish emits the audit record, the broadcast event, metrics and the
// dispatch log line.
func (d *Dispatcher) finish(act *action.Action, verdict string, matchedRule *string, outcome *action.Outcome, start time.Time) {
	end := d.now().UTC()
	duration := end.Sub(start)

	rec := &audit.Record{
		ID:             uuid.New().String(),
		ActionID:       act.ID,
		ChainID:        outcome.ChainID,
		Namespace:      act.Namespace,
		Tenant:         act.Tenant,
		Provider:       act.Provider,
		ActionType:     act.ActionType,
		Verdict:        verdict,
		MatchedRule:    matchedRule,
		Outcome:        string(outcome.Type),
		ActionPayload:  act.Payload,
		OutcomeDetails: outcomeDetails(outcome),
		Metadata:       act.Labels,
		DispatchedAt:   start,
		CompletedAt:    end,
		DurationMs:     duration.Milliseconds(),
	}
	if d.auditRetention > 0 {
		expires := end.Add(d.auditRetention)
		rec.ExpiresAt = &expires
	}
	if d.sink != nil {
		d.sink.Record(rec)
	}

	event := events.NewEvent(events.ActionDispatched, act.Namespace, act.Tenant)
	event.ActionID = act.ID
	event.ActionType = act.ActionType
	event.Payload = map[string]any{"outcome": string(outcome.Type)}
	if matchedRule != nil {
		event.Payload["rule"] = *matchedRule
	}
	d.publish(event)

	if d.metrics != nil {
		d.metrics.observeDispatch(string(outcome.Type), duration)
	}
	d.logger.Info("action dispatched",
		log.ActionIDKey, act.ID,
		log.NamespaceKey, act.Namespace,
		log.TenantKey, act.Tenant,
		log.ProviderKey, act.Provider,
		log.OutcomeKey, string(outcome.Type),
		log.DurationKey, duration.Milliseconds())
}

// outcomeDetails projects the variant fields the audit trail keeps.
func outcomeDetails(outcome *action.Outcome) map[string]any {
	details := map[string]any{}
	switch outcome.Type {
	case action.OutcomeFailed:
		if outcome.Error != nil {
			details["code"] = outcome.Error.Code
			details["message"] = outcome.Error.Message
			details["attempts"] = outcome.Error.Attempts
		}
	case action.OutcomeSuppressed:
		details["rule"] = outcome.Rule
	case action.OutcomeRerouted:
		details["original_provider"] = outcome.OriginalProvider
		details["new_provider"] = outcome.NewProvider
	case action.OutcomeThrottled:
		details["retry_after_ms"] = outcome.RetryAfter.Milliseconds()
	case action.OutcomeCircuitOpen:
		details["provider"] = outcome.Provider
		details["retry_after_ms"] = outcome.RetryAfter.Milliseconds()
	case action.OutcomeGrouped:
		details["group_id"] = outcome.GroupID
		details["group_size"] = outcome.GroupSize
	case action.OutcomeStateChanged:
		details["fingerprint"] = outcome.Fingerprint
		details["previous_state"] = outcome.PreviousState
		details["new_state"] = outcome.NewState
	case action.OutcomePendingApproval:
		details["approval_id"] = outcome.ApprovalID
	case action.OutcomeChainStarted:
		details["chain_id"] = outcome.ChainID
		details["chain_name"] = outcome.ChainName
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func (d *Dispatcher) publish(event events.StreamEvent) {
	if d.bus != nil {
		d.bus.Publish(event)
	}
}
