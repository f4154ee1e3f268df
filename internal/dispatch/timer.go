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

package dispatch

import (
	"context"
	"time"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/errors"
)

const (
	timerInterval = 100 * time.Millisecond
	// auditCleanupEvery paces retention sweeps; they are cheap but there is
	// no reason to run them per tick.
	auditCleanupEvery = time.Minute
)

// Timer is the background loop that drives everything time-based: group
// flushes, approval expiry, chain timeouts, chain advancement and audit
// retention. One timer runs per process.
type Timer struct {
	d      *Dispatcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// StartTimer launches the loop. Stop it with Stop.
func (d *Dispatcher) StartTimer() *Timer {
	t := &Timer{
		d:      d,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go t.run()
	return t
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (t *Timer) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Timer) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(timerInterval)
	defer ticker.Stop()

	lastCleanup := time.Now()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timerInterval*50)
			t.tick(ctx)
			if time.Since(lastCleanup) >= auditCleanupEvery {
				lastCleanup = time.Now()
				t.cleanupAudit(ctx)
			}
			cancel()
		}
	}
}

// Tick runs one iteration synchronously. Exposed so tests can drive the
// loop deterministically instead of sleeping.
func (t *Timer) Tick(ctx context.Context) {
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	d := t.d
	if d.metrics != nil {
		d.metrics.TimerTicks.Inc()
	}
	now := d.now().UTC()

	expired, err := d.store.ExpiredTimeouts(ctx, now)
	if err != nil {
		d.logger.Warn("timeout scan failed", log.Error(err))
	}
	for _, key := range expired {
		t.handleExpired(ctx, key)
	}

	ready, err := d.store.ReadyChains(ctx, now)
	if err != nil {
		d.logger.Warn("chain readiness scan failed", log.Error(err))
		return
	}
	for _, key := range ready {
		t.advanceChain(ctx, key)
	}
}

// handleExpired routes one due key by its kind. The index entry is removed
// first so a failing handler cannot wedge the loop; handlers that need a
// retry re-index themselves.
func (t *Timer) handleExpired(ctx context.Context, key string) {
	d := t.d
	parsed, err := state.ParseKey(key)
	if err != nil {
		d.logger.Warn("dropping malformed timeout key", "key", key, log.Error(err))
		_ = d.store.RemoveTimeoutIndex(ctx, key)
		return
	}
	if err := d.store.RemoveTimeoutIndex(ctx, key); err != nil {
		d.logger.Warn("timeout index removal failed", "key", key, log.Error(err))
	}
	if d.metrics != nil {
		d.metrics.TimerWork.WithLabelValues(string(parsed.Kind)).Inc()
	}

	switch parsed.Kind {
	case state.KindGroup:
		err = d.grouper.Flush(ctx, key)
	case state.KindApproval:
		if d.approvals != nil {
			err = d.approvals.Expire(ctx, key)
		}
	case state.KindChain:
		err = d.chains.Timeout(ctx, key)
	default:
		d.logger.Warn("unexpected kind in timeout index", "key", key)
		return
	}
	if err != nil {
		if errors.IsRetryable(err) {
			// Contention, usually a lost lock race. Put it back and let a
			// later tick retry.
			_ = d.store.IndexTimeout(ctx, key, d.now().Add(timerInterval))
			return
		}
		d.logger.Warn("timeout handling failed",
			"key", key,
			"kind", string(parsed.Kind),
			log.Error(err))
	}
}

func (t *Timer) advanceChain(ctx context.Context, key string) {
	d := t.d
	if err := d.store.RemoveChainReadyIndex(ctx, key); err != nil {
		d.logger.Warn("chain ready index removal failed", "key", key, log.Error(err))
	}
	parsed, err := state.ParseKey(key)
	if err != nil || parsed.Kind != state.KindChain {
		d.logger.Warn("dropping malformed chain ready key", "key", key)
		return
	}
	if d.metrics != nil {
		d.metrics.TimerWork.WithLabelValues("chain_advance").Inc()
	}

	if _, err := d.chains.Advance(ctx, parsed.Namespace, parsed.Tenant, parsed.ID); err != nil {
		if errors.IsRetryable(err) {
			_ = d.store.IndexChainReady(ctx, key, d.now().Add(timerInterval))
			return
		}
		d.logger.Warn("chain advance failed",
			log.ChainIDKey, parsed.ID,
			log.NamespaceKey, parsed.Namespace,
			log.TenantKey, parsed.Tenant,
			log.Error(err))
	}
}

func (t *Timer) cleanupAudit(ctx context.Context) {
	if t.d.sink == nil {
		return
	}
	removed, err := t.d.sink.Cleanup(ctx)
	if err != nil {
		t.d.logger.Warn("audit cleanup failed", log.Error(err))
		return
	}
	if removed > 0 {
		t.d.logger.Debug("audit records expired", "removed", removed)
	}
}
