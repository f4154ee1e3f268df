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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/pkg/action"
)

func incidentMachine() SMConfig {
	return SMConfig{
		Name:    "incident",
		States:  []string{"open", "acked", "resolved"},
		Initial: "open",
		Transitions: []SMTransition{
			{From: "open", To: "acked"},
			{From: "open", To: "resolved", Notify: true},
			{From: "acked", To: "resolved", Notify: true},
		},
	}
}

func newTestMachines(t *testing.T, env *testEnv) *Machines {
	t.Helper()
	m, err := NewMachines(env.store, env.locker, []SMConfig{incidentMachine()}, nil)
	require.NoError(t, err)
	return m
}

func smCfg() *rules.StateMachineAction {
	return &rules.StateMachineAction{Name: "incident", FingerprintFields: []string{"incident_id"}}
}

func TestStateMachineFirstTransitionFromInitial(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)

	act := testAction(map[string]any{"incident_id": "i-1"})
	outcome, err := m.Transition(context.Background(), act, smCfg())
	require.NoError(t, err)

	assert.Equal(t, action.OutcomeStateChanged, outcome.Type)
	assert.Equal(t, "open", outcome.PreviousState)
	assert.Equal(t, "acked", outcome.NewState, "first declared edge wins without a status")
	assert.False(t, outcome.Notify)
}

func TestStateMachineStatusSelectsTarget(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)

	act := testAction(map[string]any{"incident_id": "i-1"})
	act.Status = "resolved"
	outcome, err := m.Transition(context.Background(), act, smCfg())
	require.NoError(t, err)

	assert.Equal(t, "open", outcome.PreviousState)
	assert.Equal(t, "resolved", outcome.NewState)
	assert.True(t, outcome.Notify)
}

func TestStateMachinePersistsAcrossDispatches(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)
	ctx := context.Background()

	act := testAction(map[string]any{"incident_id": "i-1"})
	_, err := m.Transition(ctx, act, smCfg())
	require.NoError(t, err)

	// Same fingerprint continues from acked.
	next := testAction(map[string]any{"incident_id": "i-1"})
	outcome, err := m.Transition(ctx, next, smCfg())
	require.NoError(t, err)
	assert.Equal(t, "acked", outcome.PreviousState)
	assert.Equal(t, "resolved", outcome.NewState)
}

func TestStateMachineNoMatchingEdgeIsNoOp(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)
	ctx := context.Background()

	act := testAction(map[string]any{"incident_id": "i-1"})
	act.Status = "resolved"
	_, err := m.Transition(ctx, act, smCfg())
	require.NoError(t, err)

	// resolved is terminal; no edge leaves it.
	outcome, err := m.Transition(ctx, testAction(map[string]any{"incident_id": "i-1"}), smCfg())
	require.NoError(t, err)
	assert.Equal(t, "resolved", outcome.PreviousState)
	assert.Equal(t, "resolved", outcome.NewState)
	assert.False(t, outcome.Notify)
}

func TestStateMachineDistinctFingerprints(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)
	ctx := context.Background()

	_, err := m.Transition(ctx, testAction(map[string]any{"incident_id": "i-1"}), smCfg())
	require.NoError(t, err)

	outcome, err := m.Transition(ctx, testAction(map[string]any{"incident_id": "i-2"}), smCfg())
	require.NoError(t, err)
	assert.Equal(t, "open", outcome.PreviousState, "different object starts at initial")
}

func TestStateMachineListStates(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)
	ctx := context.Background()

	_, err := m.Transition(ctx, testAction(map[string]any{"incident_id": "i-1"}), smCfg())
	require.NoError(t, err)
	resolved := testAction(map[string]any{"incident_id": "i-2"})
	resolved.Status = "resolved"
	_, err = m.Transition(ctx, resolved, smCfg())
	require.NoError(t, err)

	all, err := m.States(ctx, "notif", "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := m.States(ctx, "notif", "t1", "resolved")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "resolved", only[0].State)
}

func TestStateMachineConfigValidation(t *testing.T) {
	env := newTestEnv()
	_, err := NewMachines(env.store, env.locker, []SMConfig{{
		Name:    "broken",
		States:  []string{"a"},
		Initial: "missing",
	}}, nil)
	assert.Error(t, err)

	_, err = NewMachines(env.store, env.locker, []SMConfig{{
		Name:        "broken",
		States:      []string{"a", "b"},
		Initial:     "a",
		Transitions: []SMTransition{{From: "a", To: "c"}},
	}}, nil)
	assert.Error(t, err, "undeclared transition target")
}

func TestStateMachineUnknownMachine(t *testing.T) {
	env := newTestEnv()
	m := newTestMachines(t, env)
	_, err := m.Transition(context.Background(), testAction(nil), &rules.StateMachineAction{Name: "nope"})
	assert.Error(t, err)
}
