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

// Package redis provides the networked state backend. Versions live in a
// shadow key alongside each value; compare-and-swap and conditional writes
// run as Lua scripts so they stay atomic against concurrent writers.
package redis

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/errors"
)

const (
	versionSuffix = ":__v"
	timeoutIndex  = "acteon:idx:timeout"
	chainReadyIdx = "acteon:idx:chain_ready"
	lockKeyPrefix = "acteon:lock:"
)

// setScript upserts value and bumps the shadow version, applying the TTL to
// both keys. ARGV: value, ttl_ms.
var setScript = goredis.NewScript(`
local ver = redis.call("INCR", KEYS[2])
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
  redis.call("PERSIST", KEYS[2])
end
return ver
`)

// casScript compares the shadow version and writes on match.
// ARGV: expected, value, ttl_ms. Returns {1, newver} or {0, current}.
var casScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
if redis.call("EXISTS", KEYS[1]) == 0 then
  current = 0
end
if current ~= tonumber(ARGV[1]) then
  return {0, current}
end
local ver = redis.call("INCR", KEYS[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  redis.call("PEXPIRE", KEYS[2], ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
  redis.call("PERSIST", KEYS[2])
end
return {1, ver}
`)

// checkAndSetScript creates the key only if absent. ARGV: value, ttl_ms.
var checkAndSetScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("INCR", KEYS[2])
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// incrScript increments, applying the TTL only when the counter is created.
// ARGV: delta, ttl_ms.
var incrScript = goredis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call("PTTL", KEYS[1]) == -1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`)

// Store is the Redis-backed state store.
type Store struct {
	client goredis.UniversalClient
}

// New creates a store over an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection so callers can share it, for
// example with the lock manager.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

// Connect dials a Redis server and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &errors.ProviderError{
			Code:      errors.CodeConnection,
			Message:   "redis ping failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	return &Store{client: client}, nil
}

func connErr(err error) error {
	return &errors.ProviderError{
		Code:      errors.CodeConnection,
		Message:   "redis: " + err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, connErr(err)
	}
	return val, true, nil
}

// GetVersioned implements state.Store.
func (s *Store) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	vals, err := s.client.MGet(ctx, key, key+versionSuffix).Result()
	if err != nil {
		return "", 0, false, connErr(err)
	}
	if vals[0] == nil {
		return "", 0, false, nil
	}
	value, _ := vals[0].(string)
	var version uint64
	if raw, ok := vals[1].(string); ok {
		parsed, perr := parseUint(raw)
		if perr == nil {
			version = parsed
		}
	}
	return value, version, true, nil
}

func parseUint(s string) (uint64, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + uint64(r-'0')
	}
	return n, nil
}

// Set implements state.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := setScript.Run(ctx, s.client,
		[]string{key, key + versionSuffix},
		value, ttl.Milliseconds(),
	).Err()
	if err != nil {
		return connErr(err)
	}
	return nil
}

// CheckAndSet implements state.Store.
func (s *Store) CheckAndSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := checkAndSetScript.Run(ctx, s.client,
		[]string{key, key + versionSuffix},
		value, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, connErr(err)
	}
	return res == 1, nil
}

// Delete implements state.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, connErr(err)
	}
	// The shadow version key survives so re-creation continues the sequence.
	return removed > 0, nil
}

// Increment implements state.Store.
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	val, err := incrScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, connErr(err)
	}
	return val, nil
}

// CompareAndSwap implements state.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected uint64, value string, ttl time.Duration) (uint64, error) {
	res, err := casScript.Run(ctx, s.client,
		[]string{key, key + versionSuffix},
		expected, value, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, connErr(err)
	}
	if len(res) != 2 {
		return 0, errors.New("redis: unexpected cas reply")
	}
	if res[0] == 0 {
		return 0, &errors.ConflictError{Key: key, CurrentVersion: uint64(res[1])}
	}
	return uint64(res[1]), nil
}

// TTL implements state.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, connErr(err)
	}
	// go-redis passes the -1/-2 sentinels through unscaled.
	switch d {
	case -2: // key absent
		return 0, false, nil
	case -1: // no expiry
		return 0, true, nil
	default:
		return d, true, nil
	}
}

// ScanKeys implements state.Store.
func (s *Store) ScanKeys(ctx context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]string, error) {
	pattern := namespace + ":" + tenant + ":" + string(kind) + ":" + prefix + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, versionSuffix) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, connErr(err)
	}
	return keys, nil
}

// IndexTimeout implements state.Store.
func (s *Store) IndexTimeout(ctx context.Context, key string, expiresAt time.Time) error {
	err := s.client.ZAdd(ctx, timeoutIndex, goredis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: key,
	}).Err()
	if err != nil {
		return connErr(err)
	}
	return nil
}

// ExpiredTimeouts implements state.Store.
func (s *Store) ExpiredTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	return s.rangeDue(ctx, timeoutIndex, now)
}

// RemoveTimeoutIndex implements state.Store.
func (s *Store) RemoveTimeoutIndex(ctx context.Context, key string) error {
	if err := s.client.ZRem(ctx, timeoutIndex, key).Err(); err != nil {
		return connErr(err)
	}
	return nil
}

// IndexChainReady implements state.Store.
func (s *Store) IndexChainReady(ctx context.Context, key string, readyAt time.Time) error {
	err := s.client.ZAdd(ctx, chainReadyIdx, goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: key,
	}).Err()
	if err != nil {
		return connErr(err)
	}
	return nil
}

// ReadyChains implements state.Store.
func (s *Store) ReadyChains(ctx context.Context, now time.Time) ([]string, error) {
	return s.rangeDue(ctx, chainReadyIdx, now)
}

// RemoveChainReadyIndex implements state.Store.
func (s *Store) RemoveChainReadyIndex(ctx context.Context, key string) error {
	if err := s.client.ZRem(ctx, chainReadyIdx, key).Err(); err != nil {
		return connErr(err)
	}
	return nil
}

func (s *Store) rangeDue(ctx context.Context, index string, now time.Time) ([]string, error) {
	keys, err := s.client.ZRangeByScore(ctx, index, &goredis.ZRangeBy{
		Min: "-inf",
		Max: formatMilli(now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, connErr(err)
	}
	return keys, nil
}

func formatMilli(ms int64) string {
	// strconv would do; kept local to avoid importing it for one call site.
	if ms == 0 {
		return "0"
	}
	neg := ms < 0
	if neg {
		ms = -ms
	}
	var buf [20]byte
	i := len(buf)
	for ms > 0 {
		i--
		buf[i] = byte('0' + ms%10)
		ms /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Close implements state.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
