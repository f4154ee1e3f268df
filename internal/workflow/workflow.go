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

// Package workflow persists and advances the durable workflow objects the
// dispatcher delegates to: deduplication windows, throttles, quotas, event
// groups, approvals, state machines and chains. Everything here lives in
// the shared state store so multiple nodes can cooperate; per-fingerprint
// ordering comes from the distributed lock, counters use the store's
// atomic increment instead.
package workflow

import (
	"context"
	"time"

	"github.com/penserai/acteon/pkg/action"
)

// Invoker executes one action against a named provider. The executor
// satisfies this; tests substitute fakes.
type Invoker interface {
	Execute(ctx context.Context, act *action.Action, providerName string) (*action.Outcome, error)
}

// Redispatcher re-submits an approved action through the full dispatch
// pipeline, skipping the named rule so the approval gate does not fire a
// second time.
type Redispatcher func(ctx context.Context, act *action.Action, skipRule string) (*action.Outcome, error)

// Lock tuning shared by every component that serializes on a fingerprint.
const (
	lockLease   = 10 * time.Second
	lockMaxWait = 2 * time.Second
)
