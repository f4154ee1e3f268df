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

// Package breaker maintains one circuit breaker per provider. The
// dispatcher consults the breaker before calling the executor and reports
// the result back, so every provider call moves the breaker exactly once.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/penserai/acteon/internal/log"
)

// Config tunes one provider's breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`

	// SuccessThreshold is the consecutive trial successes needed to close
	// a half-open breaker.
	SuccessThreshold uint32 `yaml:"success_threshold" json:"success_threshold"`

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// trial call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// FallbackProvider, when set, reroutes instead of failing fast while
	// the breaker is open.
	FallbackProvider string `yaml:"fallback_provider" json:"fallback_provider,omitempty"`
}

// DefaultConfig returns the registry-wide defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// Breaker guards one provider.
type Breaker struct {
	provider string
	cfg      Config

	mu       sync.Mutex
	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt time.Time

	// trialMu guards trialActive; separate from mu because gobreaker's
	// state-change callback takes mu while a call is admitted.
	trialMu     sync.Mutex
	trialActive bool

	now func() time.Time
}

// Status is the observable breaker state for the API and audit trail.
type Status struct {
	Provider             string     `json:"provider"`
	State                string     `json:"state"`
	ConsecutiveFailures  uint32     `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32     `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	Config               Config     `json:"config"`
}

func (r *Registry) newBreaker(provider string, cfg Config) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{provider: provider, cfg: cfg, now: r.now}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: provider,
		// MaxRequests is the close threshold: gobreaker closes after this
		// many consecutive half-open successes. Allow serializes the
		// trials so only one is ever in flight.
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = b.now()
			} else {
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()
			r.onTransition(name, from, to)
		},
	})
	return b
}

// Allow asks whether a call may proceed. On success the returned report
// callback must be invoked exactly once with the call's result; on an open
// breaker it returns gobreaker.ErrOpenState (or ErrTooManyRequests while a
// half-open trial is in flight).
func (b *Breaker) Allow() (func(success bool), error) {
	if b.cb.State() == gobreaker.StateHalfOpen {
		return b.allowTrial()
	}
	done, err := b.cb.Allow()
	if err != nil {
		return nil, err
	}
	return done, nil
}

// allowTrial admits at most one half-open probe at a time; further trials
// wait for the in-flight result even when more successes are still needed
// to close.
func (b *Breaker) allowTrial() (func(success bool), error) {
	b.trialMu.Lock()
	if b.trialActive {
		b.trialMu.Unlock()
		return nil, gobreaker.ErrTooManyRequests
	}
	b.trialActive = true
	b.trialMu.Unlock()

	done, err := b.cb.Allow()
	if err != nil {
		b.trialMu.Lock()
		b.trialActive = false
		b.trialMu.Unlock()
		return nil, err
	}
	return func(success bool) {
		done(success)
		b.trialMu.Lock()
		b.trialActive = false
		b.trialMu.Unlock()
	}, nil
}

// RetryAfter estimates how long until the breaker will admit a call.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Fallback returns the configured fallback provider, if any.
func (b *Breaker) Fallback() string {
	return b.cfg.FallbackProvider
}

// Status snapshots the breaker.
func (b *Breaker) Status() Status {
	counts := b.cb.Counts()
	s := Status{
		Provider:             b.provider,
		State:                b.cb.State().String(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		Config:               b.cfg,
	}
	b.mu.Lock()
	if !b.openedAt.IsZero() {
		at := b.openedAt
		s.OpenedAt = &at
	}
	b.mu.Unlock()
	return s
}

// Registry holds one breaker per provider, created lazily from the default
// config unless a per-provider config was registered.
type Registry struct {
	mu          sync.RWMutex
	breakers    map[string]*Breaker
	defaults    Config
	perProvider map[string]Config

	logger *slog.Logger
	now    func() time.Time

	// OnTransition, when set, observes every state change. The dispatcher
	// wires its metrics through it.
	OnTransition func(provider, from, to string)
}

// NewRegistry creates a registry with the given default config.
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers:    make(map[string]*Breaker),
		defaults:    defaults.normalized(),
		perProvider: make(map[string]Config),
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the registry clock for tests. It only affects
// breakers created afterwards.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) onTransition(provider string, from, to gobreaker.State) {
	r.logger.Info("circuit breaker state change",
		log.ProviderKey, provider,
		"from", from.String(),
		"to", to.String())
	if r.OnTransition != nil {
		r.OnTransition(provider, from.String(), to.String())
	}
}

// For returns the provider's breaker, creating it on first use.
func (r *Registry) For(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	cfg, ok := r.perProvider[provider]
	if !ok {
		cfg = r.defaults
	}
	b = r.newBreaker(provider, cfg)
	r.breakers[provider] = b
	return b
}

// Configure installs a per-provider config. An existing breaker is rebuilt
// closed with zeroed counters; config changes never preserve trip state.
func (r *Registry) Configure(provider string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perProvider[provider] = cfg.normalized()
	if _, ok := r.breakers[provider]; ok {
		r.breakers[provider] = r.newBreaker(provider, cfg)
	}
}

// Reset rebuilds the provider's breaker in the closed state. Returns false
// when no breaker exists yet.
func (r *Registry) Reset(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		return false
	}
	r.breakers[provider] = r.newBreaker(provider, b.cfg)
	return true
}

// Statuses snapshots every breaker, sorted by provider name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].provider < breakers[j].provider })
	out := make([]Status, len(breakers))
	for i, b := range breakers {
		out[i] = b.Status()
	}
	return out
}
