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

// Package executor runs provider calls under a process-wide concurrency
// bound with per-attempt timeouts and configurable retry backoff.
package executor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// Config bounds executor behaviour.
type Config struct {
	// MaxConcurrent caps parallel provider calls across the process.
	MaxConcurrent int64

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// ExecutionTimeout is the wall-clock bound per attempt.
	ExecutionTimeout time.Duration

	// Retry picks the sleep between attempts.
	Retry RetryStrategy
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    64,
		MaxRetries:       2,
		ExecutionTimeout: 30 * time.Second,
		Retry:            Exponential{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2},
	}
}

// Executor invokes providers. All dispatches, including batch and timer
// driven ones, share its semaphore.
type Executor struct {
	cfg      Config
	registry *provider.Registry
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// New builds an executor over the provider registry.
func New(registry *provider.Registry, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = Constant{Delay: time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger,
	}
}

// Execute runs the action against the named provider and returns either an
// Executed or Failed outcome. A non-nil error means the caller's context
// was cancelled; no outcome was produced.
func (e *Executor) Execute(ctx context.Context, act *action.Action, providerName string) (*action.Outcome, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	p, err := e.registry.Get(providerName)
	if err != nil {
		return action.Failed(string(errors.CodeNotFound), "provider "+providerName+" is not registered", false, 0), nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.attempt(ctx, p, act)
		if err == nil {
			return action.Executed(resp), nil
		}
		lastErr = err

		retryable := errors.IsRetryable(err)
		e.logger.Warn("provider attempt failed",
			log.ProviderKey, providerName,
			log.ActionIDKey, act.ID,
			"attempt", attempt+1,
			"retryable", retryable,
			log.Error(err))

		if !retryable || attempt == e.cfg.MaxRetries {
			return action.Failed(string(errors.CodeOf(err)), err.Error(), retryable, attempt+1), nil
		}

		if err := sleep(ctx, e.cfg.Retry.DelayFor(attempt)); err != nil {
			return nil, err
		}
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return action.Failed(string(errors.CodeOf(lastErr)), lastErr.Error(), false, e.cfg.MaxRetries+1), nil
}

// attempt runs one provider call under the per-attempt deadline and records
// it in the registry's rolling stats.
func (e *Executor) attempt(ctx context.Context, p provider.Provider, act *action.Action) (*action.ProviderResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Execute(attemptCtx, act)
	latency := time.Since(start)

	// A deadline hit inside the provider surfaces as a retryable timeout,
	// unless the caller itself was cancelled.
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = &errors.TimeoutError{
			Operation: "provider " + p.Name(),
			Duration:  e.cfg.ExecutionTimeout,
			Cause:     err,
		}
	}

	e.registry.Record(p.Name(), latency, err)
	return resp, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
