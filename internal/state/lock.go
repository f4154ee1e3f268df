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

package state

import (
	"context"
	"time"
)

// Handle represents a held lease. Callers release it when done; the lease
// expires on its own if they do not.
type Handle interface {
	// Key returns the lock key this handle guards.
	Key() string

	// Release drops the lease if this handle still holds it.
	Release(ctx context.Context) error
}

// Locker is the advisory lease-based mutex serializing writes to a single
// fingerprint across nodes. Locks are best-effort: the dispatch core
// honours them, the store does not enforce them.
type Locker interface {
	// Acquire attempts to take the lease without blocking. acquired is
	// false when another holder has it.
	Acquire(ctx context.Context, key string, lease time.Duration) (handle Handle, acquired bool, err error)
}

// AcquireWait retries Acquire with a short backoff until the lock is taken,
// maxWait elapses, or ctx is cancelled.
func AcquireWait(ctx context.Context, l Locker, key string, lease, maxWait time.Duration) (Handle, bool, error) {
	deadline := time.Now().Add(maxWait)
	delay := 5 * time.Millisecond
	for {
		h, ok, err := l.Acquire(ctx, key, lease)
		if err != nil || ok {
			return h, ok, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 80*time.Millisecond {
			delay *= 2
		}
	}
}
