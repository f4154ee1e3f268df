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
)

func TestThrottleAllowsUpToLimit(t *testing.T) {
	env := newTestEnv()
	th := NewThrottler(env.store)
	ctx := context.Background()

	act := testAction(nil)
	act.DedupKey = "k1"

	for i := 0; i < 3; i++ {
		allowed, _, err := th.Allow(ctx, act, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "dispatch %d is under the limit", i+1)
	}

	allowed, retryAfter, err := th.Allow(ctx, act, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestThrottleOverLimitStillCounts(t *testing.T) {
	env := newTestEnv()
	th := NewThrottler(env.store)
	ctx := context.Background()

	act := testAction(nil)
	act.DedupKey = "k1"

	for i := 0; i < 5; i++ {
		th.Allow(ctx, act, 2, time.Minute)
	}

	// The counter was never decremented: the window now holds 5.
	allowed, _, err := th.Allow(ctx, act, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "over-limit dispatches consumed the window")
}

func TestThrottleSeparateFingerprints(t *testing.T) {
	env := newTestEnv()
	th := NewThrottler(env.store)
	ctx := context.Background()

	a := testAction(nil)
	a.DedupKey = "ka"
	b := testAction(nil)
	b.DedupKey = "kb"

	allowed, _, err := th.Allow(ctx, a, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = th.Allow(ctx, b, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "distinct fingerprints have distinct windows")
}
