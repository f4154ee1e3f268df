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

package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/penserai/acteon/internal/state"
)

// releaseScript deletes the lease only if the caller's token still holds
// it, so a handle that outlived its lease cannot evict the next holder.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements distributed leases with SET NX PX and token-checked
// release.
type Locker struct {
	client goredis.UniversalClient
}

// NewLocker creates a locker over an existing client.
func NewLocker(client goredis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire implements state.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, lease time.Duration) (state.Handle, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, token, lease).Result()
	if err != nil {
		return nil, false, connErr(err)
	}
	if !ok {
		return nil, false, nil
	}
	return &handle{client: l.client, key: key, token: token}, true, nil
}

type handle struct {
	client goredis.UniversalClient
	key    string
	token  string
}

func (h *handle) Key() string {
	return h.key
}

func (h *handle) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, h.client, []string{lockKeyPrefix + h.key}, h.token).Err()
	if err != nil && err != goredis.Nil {
		return connErr(err)
	}
	return nil
}
