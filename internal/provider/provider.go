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

// Package provider defines the side-effecting provider contract and the
// process-wide registry. Providers are the only components that talk to
// the outside world.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// Provider executes actions against one external system.
type Provider interface {
	// Name returns the registry name callers address this provider by.
	Name() string

	// Execute performs the action's side effect. Errors should be
	// *errors.ProviderError so the executor can classify them.
	Execute(ctx context.Context, act *action.Action) (*action.ProviderResponse, error)

	// HealthCheck verifies the provider can reach its backend.
	HealthCheck(ctx context.Context) error
}

// stats is a per-provider rolling execution record.
type stats struct {
	calls      uint64
	failures   uint64
	latencyEWM time.Duration
	lastError  string
	lastCallAt time.Time
}

// Health is one provider's health report.
type Health struct {
	Name          string  `json:"name"`
	Healthy       bool    `json:"healthy"`
	Error         string  `json:"error,omitempty"`
	Calls         uint64  `json:"calls"`
	Failures      uint64  `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  int64   `json:"avg_latency_ms"`
	LastCalledAt  string  `json:"last_called_at,omitempty"`
	LastCallError string  `json:"last_call_error,omitempty"`
}

// Registry maps provider names to implementations. Reads are concurrent;
// registration and removal are exclusive.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	stats     map[string]*stats
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		stats:     make(map[string]*stats),
	}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if _, ok := r.stats[p.Name()]; !ok {
		r.stats[p.Name()] = &stats{}
	}
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "provider", ID: name}
	}
	return p, nil
}

// Remove drops a provider. Returns false when it was not registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.providers[name]
	delete(r.providers, name)
	return ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Record notes one execution result for the provider's rolling stats.
func (r *Registry) Record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &stats{}
		r.stats[name] = s
	}
	s.calls++
	s.lastCallAt = time.Now()
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	}
	if s.latencyEWM == 0 {
		s.latencyEWM = latency
	} else {
		// 1/8 smoothing, same shape as TCP RTT estimation.
		s.latencyEWM += (latency - s.latencyEWM) / 8
	}
}

// HealthAll runs every provider's health check and merges in rolling stats.
func (r *Registry) HealthAll(ctx context.Context) []Health {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	sort.Slice(providers, func(i, j int) bool { return providers[i].Name() < providers[j].Name() })

	out := make([]Health, 0, len(providers))
	for _, p := range providers {
		h := Health{Name: p.Name(), Healthy: true}
		if err := p.HealthCheck(ctx); err != nil {
			h.Healthy = false
			h.Error = err.Error()
		}

		r.mu.RLock()
		if s, ok := r.stats[p.Name()]; ok {
			h.Calls = s.calls
			h.Failures = s.failures
			if s.calls > 0 {
				h.SuccessRate = float64(s.calls-s.failures) / float64(s.calls)
			}
			h.AvgLatencyMs = s.latencyEWM.Milliseconds()
			if !s.lastCallAt.IsZero() {
				h.LastCalledAt = s.lastCallAt.UTC().Format(time.RFC3339)
			}
			h.LastCallError = s.lastError
		}
		r.mu.RUnlock()

		out = append(out, h)
	}
	return out
}
