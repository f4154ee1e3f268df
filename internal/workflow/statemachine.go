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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// SMTransition is one edge of a state machine.
type SMTransition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	// Notify asks the dispatcher to send a downstream notification when
	// this edge fires.
	Notify bool `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// SMConfig declares a named state machine.
type SMConfig struct {
	Name        string         `yaml:"name" json:"name"`
	States      []string       `yaml:"states" json:"states"`
	Initial     string         `yaml:"initial" json:"initial"`
	Transitions []SMTransition `yaml:"transitions" json:"transitions"`
}

// Validate rejects structurally broken machines at load time.
func (c *SMConfig) Validate() error {
	if c.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "state machine must be named"}
	}
	if len(c.States) == 0 {
		return &errors.ValidationError{Field: "states", Message: "state machine must declare states"}
	}
	known := make(map[string]bool, len(c.States))
	for _, s := range c.States {
		known[s] = true
	}
	if !known[c.Initial] {
		return &errors.ValidationError{Field: "initial", Message: fmt.Sprintf("initial state %q is not declared", c.Initial)}
	}
	for i, t := range c.Transitions {
		if !known[t.From] || !known[t.To] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("transitions[%d]", i),
				Message: fmt.Sprintf("%s -> %s references undeclared states", t.From, t.To),
			}
		}
	}
	return nil
}

// ObjectState is the persisted fingerprint->state mapping entry.
type ObjectState struct {
	Machine     string    `json:"machine"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TransitionResult reports one applied (or no-op) transition.
type TransitionResult struct {
	Fingerprint   string `json:"fingerprint"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Notify        bool   `json:"notify"`
}

// Machines evaluates state-machine verdicts. Each transition runs under
// the distributed lock for its fingerprint so concurrent dispatches apply
// in a serial order.
type Machines struct {
	store  state.Store
	locker state.Locker
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	configs map[string]SMConfig
}

// NewMachines wires the state machine component.
func NewMachines(store state.Store, locker state.Locker, configs []SMConfig, logger *slog.Logger) (*Machines, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machines{
		store:   store,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
		configs: make(map[string]SMConfig),
	}
	if err := m.SetConfigs(configs); err != nil {
		return nil, err
	}
	return m, nil
}

// SetConfigs swaps the machine definitions, e.g. after a config reload.
func (m *Machines) SetConfigs(configs []SMConfig) error {
	next := make(map[string]SMConfig, len(configs))
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return errors.Wrapf(err, "state machine %d", i)
		}
		if _, dup := next[configs[i].Name]; dup {
			return &errors.ConfigError{Key: "state_machines", Reason: fmt.Sprintf("duplicate machine %q", configs[i].Name)}
		}
		next[configs[i].Name] = configs[i]
	}
	m.mu.Lock()
	m.configs = next
	m.mu.Unlock()
	return nil
}

// Config returns one machine definition.
func (m *Machines) Config(name string) (SMConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// smFingerprint hashes the configured payload fields; with no fields
// configured, the action's own fingerprint identifies the object.
func smFingerprint(act *action.Action, fields []string) string {
	if len(fields) == 0 {
		return act.ComputeFingerprint()
	}
	h := sha256.New()
	h.Write([]byte(act.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(act.Tenant))
	h.Write([]byte{0})
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{'='})
		if v, ok := act.Payload[f]; ok {
			raw, _ := json.Marshal(v)
			h.Write(raw)
		} else if v, ok := act.Labels[f]; ok {
			h.Write([]byte(v))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Transition applies the action to its machine under the fingerprint lock.
// When no edge leaves the current state, the state is unchanged and the
// result reports prev == new.
func (m *Machines) Transition(ctx context.Context, act *action.Action, cfg *rules.StateMachineAction) (*action.Outcome, error) {
	machine, ok := m.Config(cfg.Name)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "state machine", ID: cfg.Name}
	}

	fp := smFingerprint(act, cfg.FingerprintFields)
	key := state.NewKey(act.Namespace, act.Tenant, state.KindSMState, fp+":"+machine.Name).String()

	handle, acquired, err := state.AcquireWait(ctx, m.locker, key, lockLease, lockMaxWait)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Ordered operations refuse to run without the lock.
		return nil, &errors.ProviderError{
			Code:      errors.CodeConnection,
			Message:   "state machine fingerprint is locked by another writer",
			Retryable: true,
		}
	}
	defer handle.Release(ctx)

	current := machine.Initial
	if raw, ok, err := m.store.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		var obj ObjectState
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, errors.Wrap(err, "corrupt state machine entry")
		}
		current = obj.State
	}

	next, notify, matched := pickTransition(&machine, current, act.Status)
	if !matched {
		return action.StateChanged(fp, current, current, false), nil
	}

	obj := ObjectState{
		Machine:     machine.Name,
		Fingerprint: fp,
		State:       next,
		UpdatedAt:   m.now().UTC(),
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, key, string(raw), 0); err != nil {
		return nil, err
	}
	return action.StateChanged(fp, current, next, notify), nil
}

// pickTransition selects the edge leaving current. The action's status
// field, when present and targeted by an edge, selects that edge;
// otherwise the first edge in declaration order wins.
func pickTransition(machine *SMConfig, current, status string) (next string, notify, matched bool) {
	var first *SMTransition
	for i := range machine.Transitions {
		t := &machine.Transitions[i]
		if t.From != current {
			continue
		}
		if status != "" && t.To == status {
			return t.To, t.Notify, true
		}
		if first == nil {
			first = t
		}
	}
	if first == nil {
		return "", false, false
	}
	return first.To, first.Notify, true
}

// States lists the live fingerprint->state entries in a scope, optionally
// filtered to one state value.
func (m *Machines) States(ctx context.Context, namespace, tenant, stateFilter string) ([]ObjectState, error) {
	keys, err := m.store.ScanKeys(ctx, namespace, tenant, state.KindSMState, "")
	if err != nil {
		return nil, err
	}
	out := make([]ObjectState, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := m.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var obj ObjectState
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			continue
		}
		if stateFilter != "" && obj.State != stateFilter {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}
