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
	"fmt"
	"sync"
	"time"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// OverageKind selects what happens when a quota window is exhausted.
type OverageKind string

const (
	// OverageBlock rejects the action with a Throttled outcome.
	OverageBlock OverageKind = "block"
	// OverageWarn passes the action through and emits a warning event.
	OverageWarn OverageKind = "warn"
	// OverageDegrade reroutes the action to the policy's fallback provider.
	OverageDegrade OverageKind = "degrade"
	// OverageNotify passes the action through and emits an out-of-band
	// notification event naming the policy's target.
	OverageNotify OverageKind = "notify"
)

// OverageBehavior configures a policy's response to exhaustion.
type OverageBehavior struct {
	Kind OverageKind `yaml:"kind" json:"kind"`
	// Fallback is the degrade-mode provider.
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	// Target is the notify-mode recipient hint.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// QuotaPolicy caps a tenant's action rate over epoch-aligned windows.
// Windows are aligned to floor(unix/window) so every node agrees on the
// boundary without coordination.
type QuotaPolicy struct {
	Name       string          `yaml:"name" json:"name"`
	Namespace  string          `yaml:"namespace" json:"namespace"`
	Tenant     string          `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	WindowSecs int64           `yaml:"window_secs" json:"window_secs"`
	MaxActions int64           `yaml:"max_actions" json:"max_actions"`
	Overage    OverageBehavior `yaml:"overage" json:"overage"`
}

// Validate rejects unusable policies at load time.
func (p *QuotaPolicy) Validate() error {
	if p.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "quota policy must be named"}
	}
	if p.Namespace == "" {
		return &errors.ValidationError{Field: "namespace", Message: "quota policy must scope a namespace"}
	}
	if p.WindowSecs <= 0 {
		return &errors.ValidationError{Field: "window_secs", Message: "must be positive"}
	}
	if p.MaxActions <= 0 {
		return &errors.ValidationError{Field: "max_actions", Message: "must be positive"}
	}
	switch p.Overage.Kind {
	case OverageBlock, OverageWarn, OverageNotify:
	case OverageDegrade:
		if p.Overage.Fallback == "" {
			return &errors.ValidationError{Field: "overage.fallback", Message: "degrade requires a fallback provider"}
		}
	default:
		return &errors.ValidationError{Field: "overage.kind", Message: fmt.Sprintf("unknown overage kind %q", p.Overage.Kind)}
	}
	return nil
}

// matches reports whether the policy applies to this action's scope. An
// empty tenant matches every tenant in the namespace.
func (p *QuotaPolicy) matches(act *action.Action) bool {
	if p.Namespace != act.Namespace {
		return false
	}
	return p.Tenant == "" || p.Tenant == act.Tenant
}

// QuotaDecision is the outcome of checking one action against the quotas.
type QuotaDecision struct {
	// Exceeded is false when every applicable window has headroom.
	Exceeded bool
	// Policy names the first exhausted policy.
	Policy string
	// Behavior is that policy's configured response.
	Behavior OverageBehavior
	// RetryAfter is the time until the exhausted window rolls over.
	RetryAfter time.Duration
}

// QuotaManager tracks rolling counters for the configured policies.
// Counters use atomic increment only; no lock is taken.
type QuotaManager struct {
	store state.Store
	now   func() time.Time

	mu       sync.RWMutex
	policies []QuotaPolicy
}

// NewQuotaManager wires a manager over the shared store.
func NewQuotaManager(store state.Store, policies []QuotaPolicy) (*QuotaManager, error) {
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "quota policy %d", i)
		}
	}
	return &QuotaManager{store: store, now: time.Now, policies: policies}, nil
}

// SetPolicies swaps the policy set, e.g. after a config reload.
func (m *QuotaManager) SetPolicies(policies []QuotaPolicy) error {
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			return errors.Wrapf(err, "quota policy %d", i)
		}
	}
	m.mu.Lock()
	m.policies = policies
	m.mu.Unlock()
	return nil
}

// Policies returns a snapshot of the active policy set.
func (m *QuotaManager) Policies() []QuotaPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QuotaPolicy, len(m.policies))
	copy(out, m.policies)
	return out
}

// Check increments every applicable window and returns the first exhausted
// policy's decision. Increments are unconditional, so an over-quota action
// still consumes headroom in the windows it passed.
func (m *QuotaManager) Check(ctx context.Context, act *action.Action) (*QuotaDecision, error) {
	m.mu.RLock()
	policies := m.policies
	m.mu.RUnlock()

	now := m.now().UTC()
	for i := range policies {
		p := &policies[i]
		if !p.matches(act) {
			continue
		}
		window := time.Duration(p.WindowSecs) * time.Second
		windowIdx := now.Unix() / p.WindowSecs
		key := state.NewKey(act.Namespace, act.Tenant, state.KindQuota,
			fmt.Sprintf("%s:%d", p.Name, windowIdx)).String()

		count, err := m.store.Increment(ctx, key, 1, window)
		if err != nil {
			return nil, err
		}
		if count > p.MaxActions {
			rollover := time.Unix((windowIdx+1)*p.WindowSecs, 0)
			return &QuotaDecision{
				Exceeded:   true,
				Policy:     p.Name,
				Behavior:   p.Overage,
				RetryAfter: rollover.Sub(now),
			}, nil
		}
	}
	return &QuotaDecision{}, nil
}
