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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
)

func ticketChain() ChainConfig {
	return ChainConfig{
		Name:        "ticket",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{
				Name:       "create",
				Provider:   "tickets",
				ActionType: "create",
				PayloadTemplate: map[string]any{
					"severity": "{{origin.payload.severity}}",
				},
				DefaultNext: "notify",
			},
			{
				Name:       "notify",
				Provider:   "email",
				ActionType: "send",
				PayloadTemplate: map[string]any{
					"ticket": "{{prev.body.ticket_id}}",
				},
			},
		},
	}
}

func newTestChains(t *testing.T, env *testEnv, configs ...ChainConfig) *Chains {
	t.Helper()
	c, err := NewChains(env.store, env.locker, env.bus, env.invoker, configs, nil)
	require.NoError(t, err)
	return c
}

// advanceUntilSettled drives a chain the way the timer loop would: every
// ready instance advances until nothing is due.
func advanceUntilSettled(t *testing.T, env *testEnv, c *Chains) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ready, err := env.store.ReadyChains(ctx, time.Now().Add(2*time.Second))
		require.NoError(t, err)
		if len(ready) == 0 {
			return
		}
		for _, key := range ready {
			require.NoError(t, env.store.RemoveChainReadyIndex(ctx, key))
			parsed, err := state.ParseKey(key)
			require.NoError(t, err)
			_, err = c.Advance(ctx, parsed.Namespace, parsed.Tenant, parsed.ID)
			require.NoError(t, err)
		}
	}
	t.Fatal("chain did not settle")
}

func TestChainStartDoesNotExecuteInline(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())

	outcome, err := c.Start(context.Background(), testAction(nil), "ticket")
	require.NoError(t, err)

	assert.Equal(t, action.OutcomeChainStarted, outcome.Type)
	assert.Equal(t, "ticket", outcome.ChainName)
	assert.Equal(t, 2, outcome.TotalSteps)
	assert.Equal(t, "create", outcome.FirstStep)
	assert.Zero(t, env.invoker.callCount(), "step 0 waits for the timer loop")

	inst, err := c.Get(context.Background(), "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStepIndex)
}

func TestChainRunsToCompletion(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	ctx := context.Background()

	env.invoker.queue(
		action.Executed(&action.ProviderResponse{Status: "ok", Body: map[string]any{"ticket_id": float64(42)}}),
		action.Executed(&action.ProviderResponse{Status: "ok", Body: map[string]any{"sent": true}}),
	)

	outcome, err := c.Start(ctx, testAction(nil), "ticket")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, inst.Status)
	assert.Equal(t, []string{"create", "notify"}, inst.ExecutionPath)
	require.Len(t, inst.StepResults, 2)
	assert.True(t, inst.StepResults[0].Success)

	// The second step saw the first step's response through the template.
	require.Equal(t, 2, env.invoker.callCount())
	assert.Equal(t, float64(42), env.invoker.lastCall().Payload["ticket"])
}

func TestChainBranchRouting(t *testing.T) {
	cfg := ChainConfig{
		Name:        "escalate",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{
				Name:     "check",
				Provider: "http",
				Branches: []Branch{
					{Field: "status", Operator: "eq", Value: "firing", TargetStepName: "page"},
					{Field: "status", Operator: "eq", Value: "resolved", TargetStepName: "log"},
				},
			},
			{Name: "page", Provider: "pager"},
			{Name: "log", Provider: "http"},
		},
	}

	env := newTestEnv()
	c := newTestChains(t, env, cfg)
	ctx := context.Background()

	env.invoker.queue(
		action.Executed(&action.ProviderResponse{Status: "ok", Body: map[string]any{"status": "firing"}}),
	)

	outcome, err := c.Start(ctx, testAction(nil), "escalate")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, inst.Status)
	assert.Equal(t, []string{"check", "page"}, inst.ExecutionPath, "first matching branch wins")
}

func TestChainStepFailureFailsChain(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	ctx := context.Background()

	env.invoker.queue(action.Failed("EXECUTION_FAILED", "provider exploded", false, 3))

	outcome, err := c.Start(ctx, testAction(nil), "ticket")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainFailed, inst.Status)
	assert.Contains(t, inst.FailureReason, "provider exploded")
	assert.Equal(t, []string{"create"}, inst.ExecutionPath)
	assert.Equal(t, 1, env.invoker.callCount(), "the second step never runs")
}

func TestChainAdvanceTerminalIsNoOp(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	ctx := context.Background()

	outcome, err := c.Start(ctx, testAction(nil), "ticket")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, "notif", "t1", outcome.ChainID))

	inst, err := c.Advance(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCancelled, inst.Status)
	assert.Zero(t, env.invoker.callCount())
}

func TestChainTimeout(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	ctx := context.Background()

	outcome, err := c.Start(ctx, testAction(nil), "ticket")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	require.NoError(t, c.Timeout(ctx, inst.stateKey()))

	inst, err = c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainFailed, inst.Status)
	assert.Equal(t, "timeout", inst.FailureReason)
}

func TestChainUnknownDefinition(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	_, err := c.Start(context.Background(), testAction(nil), "nope")
	assert.Error(t, err)
}

func TestChainSubChainParentWaits(t *testing.T) {
	child := ChainConfig{
		Name:        "child",
		TimeoutSecs: 3600,
		Steps:       []ChainStep{{Name: "work", Provider: "http"}},
	}
	parent := ChainConfig{
		Name:        "parent",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{Name: "delegate", SubChain: "child", DefaultNext: "wrap"},
			{Name: "wrap", Provider: "email"},
		},
	}

	env := newTestEnv()
	c := newTestChains(t, env, parent, child)
	ctx := context.Background()

	outcome, err := c.Start(ctx, testAction(nil), "parent")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, inst.Status)
	assert.Equal(t, []string{"delegate", "wrap"}, inst.ExecutionPath)
	require.Len(t, inst.ChildChainIDs, 1)

	childInst, err := c.Get(ctx, "notif", "t1", inst.ChildChainIDs[0])
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, childInst.Status)
	assert.Equal(t, outcome.ChainID, childInst.ParentChainID)

	// One call for the child's step, one for the parent's wrap step.
	assert.Equal(t, 2, env.invoker.callCount())
}

func TestChainParallelAnyJoinCancelsSiblings(t *testing.T) {
	fast := ChainConfig{
		Name:        "fast",
		TimeoutSecs: 3600,
		Steps:       []ChainStep{{Name: "go", Provider: "http"}},
	}
	slow := ChainConfig{
		Name:        "slow",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{Name: "a", Provider: "http", DefaultNext: "b"},
			{Name: "b", Provider: "http", DefaultNext: "c"},
			{Name: "c", Provider: "http"},
		},
	}
	parent := ChainConfig{
		Name:        "race",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{Name: "fanout", ParallelChildren: []string{"fast", "slow"}, Join: JoinAny},
		},
	}

	env := newTestEnv()
	c := newTestChains(t, env, parent, fast, slow)
	ctx := context.Background()

	outcome, err := c.Start(ctx, testAction(nil), "race")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, inst.Status)
	require.Len(t, inst.ChildChainIDs, 2)

	statuses := map[ChainStatus]int{}
	for _, childID := range inst.ChildChainIDs {
		childInst, err := c.Get(ctx, "notif", "t1", childID)
		require.NoError(t, err)
		statuses[childInst.Status]++
	}
	assert.Equal(t, 1, statuses[ChainCompleted])
	assert.Equal(t, 1, statuses[ChainCancelled], "the losing sibling is cancelled")
}

func TestChainParallelAllJoinWaitsForEveryChild(t *testing.T) {
	a := ChainConfig{Name: "a", TimeoutSecs: 3600, Steps: []ChainStep{{Name: "s", Provider: "http"}}}
	b := ChainConfig{Name: "b", TimeoutSecs: 3600, Steps: []ChainStep{{Name: "s", Provider: "http"}}}
	parent := ChainConfig{
		Name:        "both",
		TimeoutSecs: 3600,
		Steps: []ChainStep{
			{Name: "fanout", ParallelChildren: []string{"a", "b"}, Join: JoinAll},
		},
	}

	env := newTestEnv()
	c := newTestChains(t, env, parent, a, b)
	ctx := context.Background()

	outcome, err := c.Start(ctx, testAction(nil), "both")
	require.NoError(t, err)
	advanceUntilSettled(t, env, c)

	inst, err := c.Get(ctx, "notif", "t1", outcome.ChainID)
	require.NoError(t, err)
	assert.Equal(t, ChainCompleted, inst.Status)
	for _, childID := range inst.ChildChainIDs {
		childInst, err := c.Get(ctx, "notif", "t1", childID)
		require.NoError(t, err)
		assert.Equal(t, ChainCompleted, childInst.Status)
	}
}

func TestChainListFiltersByStatus(t *testing.T) {
	env := newTestEnv()
	c := newTestChains(t, env, ticketChain())
	ctx := context.Background()

	first, err := c.Start(ctx, testAction(map[string]any{"n": 1}), "ticket")
	require.NoError(t, err)
	_, err = c.Start(ctx, testAction(map[string]any{"n": 2}), "ticket")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, "notif", "t1", first.ChainID))

	running, err := c.List(ctx, "notif", "t1", ChainRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	all, err := c.List(ctx, "notif", "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChainConfigValidation(t *testing.T) {
	env := newTestEnv()

	_, err := NewChains(env.store, env.locker, env.bus, env.invoker, []ChainConfig{{Name: "empty"}}, nil)
	assert.Error(t, err, "chains need steps")

	_, err = NewChains(env.store, env.locker, env.bus, env.invoker, []ChainConfig{{
		Name:  "bad-branch",
		Steps: []ChainStep{{Name: "s", Provider: "p", Branches: []Branch{{Field: "x", Operator: "eq", TargetStepName: "nope"}}}},
	}}, nil)
	assert.Error(t, err, "branch targets must exist")

	_, err = NewChains(env.store, env.locker, env.bus, env.invoker, []ChainConfig{{
		Name:  "bad-modes",
		Steps: []ChainStep{{Name: "s", Provider: "p", SubChain: "other"}},
	}}, nil)
	assert.Error(t, err, "provider and sub_chain are mutually exclusive")
}
