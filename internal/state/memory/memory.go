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

// Package memory provides the in-process reference implementation of the
// state store and lock contracts. All guarantees are strict; it is the
// backend the conformance tests run against.
package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/errors"
)

type entry struct {
	value     string
	version   uint64
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is the in-memory state backend.
type Store struct {
	mu         sync.Mutex
	entries    map[string]entry
	timeouts   map[string]time.Time
	chainReady map[string]time.Time
	nextVer    uint64
	now        func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entries:    make(map[string]entry),
		timeouts:   make(map[string]time.Time),
		chainReady: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock overrides the store's clock. Tests use this to step through TTL
// expiry deterministically.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the entry if present and unexpired, pruning it otherwise.
// Callers hold s.mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements state.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// GetVersioned implements state.Store.
func (s *Store) GetVersioned(_ context.Context, key string) (string, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", 0, false, nil
	}
	return e.value, e.version, true, nil
}

// Set implements state.Store.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVer++
	s.entries[key] = entry{value: value, version: s.nextVer, expiresAt: s.expiryFor(ttl)}
	return nil
}

// CheckAndSet implements state.Store.
func (s *Store) CheckAndSet(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.nextVer++
	s.entries[key] = entry{value: value, version: s.nextVer, expiresAt: s.expiryFor(ttl)}
	return true, nil
}

// Delete implements state.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	delete(s.entries, key)
	return ok, nil
}

// Increment implements state.Store.
func (s *Store) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	current := int64(0)
	expiresAt := s.expiryFor(ttl)
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, &errors.ValidationError{
				Field:   key,
				Message: "increment on non-integer value",
			}
		}
		current = parsed
		expiresAt = e.expiresAt
	}

	current += delta
	s.nextVer++
	s.entries[key] = entry{
		value:     strconv.FormatInt(current, 10),
		version:   s.nextVer,
		expiresAt: expiresAt,
	}
	return current, nil
}

// CompareAndSwap implements state.Store.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected uint64, value string, ttl time.Duration) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	current := uint64(0)
	if ok {
		current = e.version
	}
	if current != expected {
		return 0, &errors.ConflictError{Key: key, CurrentVersion: current}
	}

	s.nextVer++
	s.entries[key] = entry{value: value, version: s.nextVer, expiresAt: s.expiryFor(ttl)}
	return s.nextVer, nil
}

// TTL implements state.Store.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

// ScanKeys implements state.Store.
func (s *Store) ScanKeys(_ context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]string, error) {
	scope := namespace + ":" + tenant + ":" + string(kind) + ":" + prefix

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var keys []string
	for key, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(key, scope) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// IndexTimeout implements state.Store.
func (s *Store) IndexTimeout(_ context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[key] = expiresAt
	return nil
}

// ExpiredTimeouts implements state.Store.
func (s *Store) ExpiredTimeouts(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for key, at := range s.timeouts {
		if !at.After(now) {
			due = append(due, key)
		}
	}
	return due, nil
}

// RemoveTimeoutIndex implements state.Store.
func (s *Store) RemoveTimeoutIndex(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timeouts, key)
	return nil
}

// IndexChainReady implements state.Store.
func (s *Store) IndexChainReady(_ context.Context, key string, readyAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainReady[key] = readyAt
	return nil
}

// ReadyChains implements state.Store.
func (s *Store) ReadyChains(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for key, at := range s.chainReady {
		if !at.After(now) {
			due = append(due, key)
		}
	}
	return due, nil
}

// RemoveChainReadyIndex implements state.Store.
func (s *Store) RemoveChainReadyIndex(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chainReady, key)
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error {
	return nil
}
