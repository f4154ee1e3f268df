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

// Package providertest provides a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/penserai/acteon/pkg/action"
)

// Call records one Execute invocation.
type Call struct {
	Action *action.Action
	At     time.Time
}

// Mock is a scriptable provider. Queue errors with FailWith; unqueued
// calls succeed with the configured response.
type Mock struct {
	name string

	mu       sync.Mutex
	calls    []Call
	failures []error
	response *action.ProviderResponse
	delay    time.Duration
	healthy  error
}

// New creates a mock provider registered under name.
func New(name string) *Mock {
	return &Mock{
		name:     name,
		response: &action.ProviderResponse{Status: "ok", Body: map[string]any{"ok": true}},
	}
}

// Name implements provider.Provider.
func (m *Mock) Name() string { return m.name }

// Respond sets the success response for subsequent calls.
func (m *Mock) Respond(resp *action.ProviderResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = resp
}

// FailWith queues errors returned by the next Execute calls, in order.
func (m *Mock) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Delay makes every Execute sleep before returning, honouring ctx.
func (m *Mock) Delay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetUnhealthy makes HealthCheck return err (nil restores health).
func (m *Mock) SetUnhealthy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = err
}

// Execute implements provider.Provider.
func (m *Mock) Execute(ctx context.Context, act *action.Action) (*action.ProviderResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Action: act, At: time.Now()})
	var fail error
	if len(m.failures) > 0 {
		fail = m.failures[0]
		m.failures = m.failures[1:]
	}
	resp := m.response
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail != nil {
		return nil, fail
	}
	return resp, nil
}

// HealthCheck implements provider.Provider.
func (m *Mock) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Execute ran.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
