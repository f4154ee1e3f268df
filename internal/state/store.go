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

// Package state defines the shared-state contracts the dispatch core runs
// on: a keyed store with TTLs, versions and due-time indexes, plus an
// advisory distributed lock. Backends are known at build time; the core
// treats every backend as if the documented guarantees hold.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind names the category segment of a state key.
type Kind string

const (
	KindDedup         Kind = "dedup"
	KindThrottle      Kind = "throttle"
	KindQuota         Kind = "quota"
	KindSMState       Kind = "sm_state"
	KindGroup         Kind = "group"
	KindPendingGroups Kind = "pending_groups"
	KindChain         Kind = "chain"
	KindApproval      Kind = "approval"
	KindTimeout       Kind = "timeout"
	KindChainReady    Kind = "chain_ready"
)

// Key is the canonical addressable unit of shared state:
// {namespace}:{tenant}:{kind}:{id}. The id segment may itself contain
// colons (state machines key on fingerprint:name).
type Key struct {
	Namespace string
	Tenant    string
	Kind      Kind
	ID        string
}

// NewKey builds a key from its four segments.
func NewKey(namespace, tenant string, kind Kind, id string) Key {
	return Key{Namespace: namespace, Tenant: tenant, Kind: kind, ID: id}
}

// String renders the canonical colon-joined form.
func (k Key) String() string {
	return k.Namespace + ":" + k.Tenant + ":" + string(k.Kind) + ":" + k.ID
}

// ParseKey splits a canonical key string back into its segments.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return Key{}, fmt.Errorf("malformed state key %q", s)
	}
	return Key{
		Namespace: parts[0],
		Tenant:    parts[1],
		Kind:      Kind(parts[2]),
		ID:        parts[3],
	}, nil
}

// Store is the keyed shared-state contract. Values are opaque strings,
// typically JSON. A zero TTL means no expiry. Implementations document
// which atomicity guarantees are best-effort.
type Store interface {
	// Get returns the current live value. Expired entries read as absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// GetVersioned returns the live value along with its monotonic version.
	GetVersioned(ctx context.Context, key string) (value string, version uint64, ok bool, err error)

	// Set unconditionally upserts and bumps the version.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// CheckAndSet writes only if the key is absent (or expired) at the
	// moment of the write. Returns true iff this caller performed the write.
	CheckAndSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a live entry, reporting whether one existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Increment atomically adds delta to an integer counter, creating it at
	// zero first. The TTL applies only when the counter is created.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap writes only when the live version equals expected.
	// On mismatch it returns *errors.ConflictError carrying the current
	// version. Writing a missing key requires expected == 0.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value string, ttl time.Duration) (uint64, error)

	// TTL reports the remaining lifetime of a live entry. ok is false when
	// the key is absent; a zero duration with ok true means no expiry.
	TTL(ctx context.Context, key string) (remaining time.Duration, ok bool, err error)

	// ScanKeys enumerates live keys in the given scope whose id segment
	// starts with prefix. Order is unspecified.
	ScanKeys(ctx context.Context, namespace, tenant string, kind Kind, prefix string) ([]string, error)

	// IndexTimeout registers key in the timeout due-time index.
	IndexTimeout(ctx context.Context, key string, expiresAt time.Time) error

	// ExpiredTimeouts returns every indexed key whose due time is <= now.
	ExpiredTimeouts(ctx context.Context, now time.Time) ([]string, error)

	// RemoveTimeoutIndex drops key from the timeout index.
	RemoveTimeoutIndex(ctx context.Context, key string) error

	// IndexChainReady registers key in the chain wake-up index.
	IndexChainReady(ctx context.Context, key string, readyAt time.Time) error

	// ReadyChains returns every indexed chain key ready at or before now.
	ReadyChains(ctx context.Context, now time.Time) ([]string, error)

	// RemoveChainReadyIndex drops key from the chain wake-up index.
	RemoveChainReadyIndex(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
