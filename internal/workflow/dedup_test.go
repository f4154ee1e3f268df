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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
)

func TestDedupFirstClaimWins(t *testing.T) {
	env := newTestEnv()
	d := NewDeduper(env.store)
	ctx := context.Background()

	first := testAction(nil)
	first.DedupKey = "k1"
	winner, err := d.Claim(ctx, first, time.Minute)
	require.NoError(t, err)
	assert.True(t, winner)

	second := testAction(nil)
	second.DedupKey = "k1"
	winner, err = d.Claim(ctx, second, time.Minute)
	require.NoError(t, err)
	assert.False(t, winner, "same dedup key within the TTL loses")
}

func TestDedupDistinctKeysDoNotCollide(t *testing.T) {
	env := newTestEnv()
	d := NewDeduper(env.store)
	ctx := context.Background()

	a := testAction(nil)
	a.DedupKey = "k1"
	b := testAction(nil)
	b.DedupKey = "k2"

	winner, err := d.Claim(ctx, a, time.Minute)
	require.NoError(t, err)
	assert.True(t, winner)
	winner, err = d.Claim(ctx, b, time.Minute)
	require.NoError(t, err)
	assert.True(t, winner)
}

func TestDedupConcurrentClaimsExactlyOneWinner(t *testing.T) {
	env := newTestEnv()
	d := NewDeduper(env.store)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			act := action.New("notif", "t1", "email", "send", map[string]any{"n": 1})
			act.DedupKey = "race"
			winner, err := d.Claim(context.Background(), act, time.Minute)
			if err == nil && winner {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestDedupPayloadFingerprintWithoutKey(t *testing.T) {
	env := newTestEnv()
	d := NewDeduper(env.store)
	ctx := context.Background()

	winner, err := d.Claim(ctx, testAction(map[string]any{"x": 1}), time.Minute)
	require.NoError(t, err)
	assert.True(t, winner)

	// Identical payload hashes to the same fingerprint.
	winner, err = d.Claim(ctx, testAction(map[string]any{"x": 1}), time.Minute)
	require.NoError(t, err)
	assert.False(t, winner)

	// Different payload is a different equivalence class.
	winner, err = d.Claim(ctx, testAction(map[string]any{"x": 2}), time.Minute)
	require.NoError(t, err)
	assert.True(t, winner)
}
