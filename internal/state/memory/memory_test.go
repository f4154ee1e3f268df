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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/errors"
)

func TestSetGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "notif:t1:dedup:fp1", "1", 0))

	val, ok, err := s.Get(ctx, "notif:t1:dedup:fp1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)

	_, ok, err = s.Get(ctx, "notif:t1:dedup:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	remaining, ok, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, remaining)

	now = now.Add(61 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must read as absent")
}

func TestCheckAndSetSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.CheckAndSet(ctx, "notif:t1:dedup:fp1", "1", time.Minute)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent writer wins CheckAndSet")
}

func TestCheckAndSetAfterExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	won, err := s.CheckAndSet(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.CheckAndSet(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	now = now.Add(2 * time.Minute)
	won, err = s.CheckAndSet(ctx, "k", "v3", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "TTL-expired key is writable again")
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))

	removed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestIncrement(t *testing.T) {
	s := New()
	ctx := context.Background()

	n, err := s.Increment(ctx, "notif:t1:throttle:fp1", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "notif:t1:throttle:fp1", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.Increment(ctx, "notif:t1:throttle:fp1", -1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIncrementKeepsOriginalTTL(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, err := s.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = s.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	remaining, ok, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, remaining, "later increments must not extend the window")
}

func TestCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Creating requires expected version 0.
	v1, err := s.CompareAndSwap(ctx, "k", 0, "a", 0)
	require.NoError(t, err)

	_, version, ok, err := s.GetVersioned(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1, version)

	// Stale expected version conflicts.
	_, err = s.CompareAndSwap(ctx, "k", v1+100, "b", 0)
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, v1, conflict.CurrentVersion)

	// Correct version succeeds.
	v2, err := s.CompareAndSwap(ctx, "k", v1, "b", 0)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	val, _, _, err := s.GetVersioned(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestScanKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "notif:t1:group:g1", "a", 0))
	require.NoError(t, s.Set(ctx, "notif:t1:group:g2", "b", 0))
	require.NoError(t, s.Set(ctx, "notif:t2:group:g3", "c", 0))
	require.NoError(t, s.Set(ctx, "notif:t1:chain:c1", "d", 0))

	keys, err := s.ScanKeys(ctx, "notif", "t1", state.KindGroup, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"notif:t1:group:g1", "notif:t1:group:g2"}, keys)

	keys, err = s.ScanKeys(ctx, "notif", "t1", state.KindGroup, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"notif:t1:group:g1"}, keys)
}

func TestDueTimeIndexes(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.IndexTimeout(ctx, "a", base.Add(time.Minute)))
	require.NoError(t, s.IndexTimeout(ctx, "b", base.Add(time.Hour)))
	require.NoError(t, s.IndexChainReady(ctx, "c", base))

	due, err := s.ExpiredTimeouts(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, due)

	ready, err := s.ReadyChains(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ready)

	require.NoError(t, s.RemoveTimeoutIndex(ctx, "a"))
	due, err = s.ExpiredTimeouts(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.RemoveChainReadyIndex(ctx, "c"))
	ready, err = s.ReadyChains(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestLockerMutualExclusion(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	h1, ok, err := l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	require.NoError(t, h1.Release(ctx))

	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerLeaseExpiry(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	stale, ok, err := l.Acquire(ctx, "fp1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)

	h2, ok, err := l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is acquirable")

	// The stale handle must not release the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h2.Release(ctx))
}

func TestAcquireWait(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	h1, ok, err := l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_ = h1.Release(ctx)
	}()

	h2, ok, err := state.AcquireWait(ctx, l, "fp1", time.Minute, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "waiting acquire succeeds once the holder releases")
	<-done
	require.NoError(t, h2.Release(ctx))
}
