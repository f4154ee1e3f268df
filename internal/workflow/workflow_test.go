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

	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/state/memory"
	"github.com/penserai/acteon/pkg/action"
)

// fakeInvoker records executed actions and replays scripted outcomes.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []*action.Action
	outcomes []*action.Outcome
}

func (f *fakeInvoker) Execute(_ context.Context, act *action.Action, _ string) (*action.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, act)
	if len(f.outcomes) > 0 {
		next := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return next, nil
	}
	return action.Executed(&action.ProviderResponse{Status: "ok", Body: map[string]any{"delivered": true}}), nil
}

func (f *fakeInvoker) queue(outcomes ...*action.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomes...)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) lastCall() *action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type testEnv struct {
	store   *memory.Store
	locker  *memory.Locker
	bus     *events.Bus
	invoker *fakeInvoker
}

func newTestEnv() *testEnv {
	return &testEnv{
		store:   memory.New(),
		locker:  memory.NewLocker(),
		bus:     events.NewBus(64),
		invoker: &fakeInvoker{},
	}
}

func testAction(payload map[string]any) *action.Action {
	if payload == nil {
		payload = map[string]any{"severity": "high"}
	}
	return action.New("notif", "t1", "email", "send", payload)
}
