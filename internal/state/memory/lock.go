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

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/state"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// Locker is the in-process lock implementation: a keyed lease table.
// Single-node deployments get real mutual exclusion from it; the Handle
// token guards against releasing a lease that already expired and was
// re-acquired by someone else.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// SetClock overrides the locker's clock for tests.
func (l *Locker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire implements state.Locker.
func (l *Locker) Acquire(_ context.Context, key string, leaseDur time.Duration) (state.Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && held.expiresAt.After(now) {
		return nil, false, nil
	}

	token := uuid.New().String()
	l.leases[key] = lease{token: token, expiresAt: now.Add(leaseDur)}
	return &handle{locker: l, key: key, token: token}, true, nil
}

type handle struct {
	locker *Locker
	key    string
	token  string
}

func (h *handle) Key() string {
	return h.key
}

// Release drops the lease if this handle still holds it. Releasing an
// expired or re-acquired lease is a no-op.
func (h *handle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if held, ok := h.locker.leases[h.key]; ok && held.token == h.token {
		delete(h.locker.leases, h.key)
	}
	return nil
}
