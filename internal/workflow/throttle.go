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
	"time"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
)

// Throttler caps executions per fingerprint over a sliding TTL window.
// The counter is never decremented: an over-limit dispatch still counts
// against the window it landed in.
type Throttler struct {
	store state.Store
}

// NewThrottler wires a throttler over the shared store.
func NewThrottler(store state.Store) *Throttler {
	return &Throttler{store: store}
}

// Allow increments the window counter and reports whether the action may
// proceed. When the limit is exceeded, retryAfter is the remaining window.
func (t *Throttler) Allow(ctx context.Context, act *action.Action, maxCount int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	key := state.NewKey(act.Namespace, act.Tenant, state.KindThrottle, act.ComputeFingerprint()).String()

	count, err := t.store.Increment(ctx, key, 1, window)
	if err != nil {
		return false, 0, err
	}
	if count <= maxCount {
		return true, 0, nil
	}

	remaining, ok, err := t.store.TTL(ctx, key)
	if err != nil {
		return false, 0, err
	}
	// The counter may have expired between the increment and the TTL read;
	// the caller still backs off for a full window then.
	if !ok || remaining <= 0 {
		remaining = window
	}
	return false, remaining, nil
}
