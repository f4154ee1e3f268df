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
	"encoding/json"
	"time"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
)

// Deduper claims fingerprint windows. Whoever wins the create-if-absent
// write proceeds; everyone else within the TTL is deduplicated. No lock is
// taken: check_and_set is atomic on its own.
type Deduper struct {
	store state.Store
}

// NewDeduper wires a deduper over the shared store.
func NewDeduper(store state.Store) *Deduper {
	return &Deduper{store: store}
}

type dedupClaim struct {
	ActionID  string    `json:"action_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Claim attempts to take the dedup window for this action's fingerprint.
// winner is true for exactly one concurrent caller per TTL window.
func (d *Deduper) Claim(ctx context.Context, act *action.Action, ttl time.Duration) (winner bool, err error) {
	key := state.NewKey(act.Namespace, act.Tenant, state.KindDedup, act.ComputeFingerprint())
	claim, err := json.Marshal(dedupClaim{ActionID: act.ID, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return d.store.CheckAndSet(ctx, key.String(), string(claim), ttl)
}
