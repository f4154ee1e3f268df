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

	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

func groupCfg() *rules.GroupAction {
	return &rules.GroupAction{
		By:           []string{"service"},
		WaitSecs:     60,
		IntervalSecs: 300,
	}
}

func newTestGrouper(env *testEnv) *Grouper {
	return NewGrouper(env.store, env.locker, env.bus, env.invoker, nil)
}

func TestGroupFirstEventSetsNotifyAt(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	outcome, err := g.Add(context.Background(), testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeGrouped, outcome.Type)
	assert.Equal(t, 1, outcome.GroupSize)
	assert.Equal(t, now.Add(time.Minute), outcome.NotifyAt)
	assert.Zero(t, env.invoker.callCount(), "grouping never calls the provider")
}

func TestGroupLaterEventsDoNotResetNotifyAt(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 1}), groupCfg())
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	second, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 2}), groupCfg())
	require.NoError(t, err)

	assert.Equal(t, first.GroupID, second.GroupID)
	assert.Equal(t, 2, second.GroupSize)
	assert.Equal(t, first.NotifyAt, second.NotifyAt, "notify_at holds unless the rule resets it")
}

func TestGroupResetOnEvent(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	cfg := groupCfg()
	cfg.ResetOnEvent = true

	ctx := context.Background()
	_, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 1}), cfg)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	second, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 2}), cfg)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), second.NotifyAt)
}

func TestGroupDistinctKeysSeparateGroups(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)

	ctx := context.Background()
	a, err := g.Add(ctx, testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)
	b, err := g.Add(ctx, testAction(map[string]any{"service": "db"}), groupCfg())
	require.NoError(t, err)
	assert.NotEqual(t, a.GroupID, b.GroupID)
}

func TestGroupFlushDeliversBatchAndMarksNotified(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	outcome, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 1}), groupCfg())
	require.NoError(t, err)
	_, err = g.Add(ctx, testAction(map[string]any{"service": "api", "n": 2}), groupCfg())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	groups, err := g.List(ctx, "notif", "t1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.NoError(t, g.Flush(ctx, groups[0].stateKey()))

	require.Equal(t, 1, env.invoker.callCount(), "one synthetic delivery for the batch")
	flush := env.invoker.lastCall()
	assert.Equal(t, "send.group", flush.ActionType)
	assert.Equal(t, outcome.GroupID, flush.Payload["group_id"])
	assert.Equal(t, 2, flush.Payload["count"])

	groups, err = g.List(ctx, "notif", "t1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, GroupNotified, groups[0].State)
}

func TestGroupFlushIsIdempotent(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)

	ctx := context.Background()
	_, err := g.Add(ctx, testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)

	groups, err := g.List(ctx, "notif", "t1")
	require.NoError(t, err)
	key := groups[0].stateKey()

	require.NoError(t, g.Flush(ctx, key))
	require.NoError(t, g.Flush(ctx, key), "second flush is a no-op")
	assert.Equal(t, 1, env.invoker.callCount())
}

func TestGroupIntervalFloorsNextBatch(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := g.Add(ctx, testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)
	groups, err := g.List(ctx, "notif", "t1")
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx, groups[0].stateKey()))

	// A new event right after the flush re-batches, but interval_s floors
	// its notify time at flush + 5m rather than now + 60s.
	now = now.Add(10 * time.Second)
	outcome, err := g.Add(ctx, testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.GroupSize, "new batch starts fresh")
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), outcome.NotifyAt)
}

func TestGroupMaxSizeForcesImmediateNotify(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	cfg := groupCfg()
	cfg.MaxSize = 2

	ctx := context.Background()
	_, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 1}), cfg)
	require.NoError(t, err)
	outcome, err := g.Add(ctx, testAction(map[string]any{"service": "api", "n": 2}), cfg)
	require.NoError(t, err)
	assert.Equal(t, now, outcome.NotifyAt, "full group is due immediately")
}

func TestGroupFlushByID(t *testing.T) {
	env := newTestEnv()
	g := newTestGrouper(env)

	ctx := context.Background()
	outcome, err := g.Add(ctx, testAction(map[string]any{"service": "api"}), groupCfg())
	require.NoError(t, err)

	require.NoError(t, g.FlushByID(ctx, "notif", "t1", outcome.GroupID))
	assert.Equal(t, 1, env.invoker.callCount())

	err = g.FlushByID(ctx, "notif", "t1", outcome.GroupID)
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict, "already-flushed group rejects a manual flush")
	assert.Equal(t, "group", conflict.Resource)
}
