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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acteon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, "memory", cfg.Audit.Sink)
	assert.Equal(t, int64(64), cfg.Executor.MaxConcurrent)
	assert.Equal(t, "exponential", cfg.Executor.Backoff)
	assert.True(t, *cfg.Rules.Watch)
	assert.False(t, cfg.ApprovalsEnabled())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  external_url: https://acteon.example.com
  shutdown_timeout: 5s
state:
  backend: redis
  redis:
    addr: localhost:6379
    db: 2
executor:
  max_concurrent: 16
  backoff: constant
  retry_delay: 50ms
approvals:
  active_kid: k2
  keys:
    k1: old-secret
    k2: new-secret
rules:
  dir: /etc/acteon/rules
  watch: false
audit:
  sink: sqlite
  path: /var/lib/acteon/audit.db
  retention: 720h
  hash_chain: true
providers:
  - type: webhook
    webhook:
      name: pager
      url: https://pager.example.com/hook
  - type: slack
    slack:
      token: xoxb-1
      channel: "#alerts"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, "redis", cfg.State.Backend)
	assert.Equal(t, "localhost:6379", cfg.State.Redis.Addr)
	assert.Equal(t, 2, cfg.State.Redis.DB)
	assert.Equal(t, int64(16), cfg.Executor.MaxConcurrent)
	assert.Equal(t, "constant", cfg.Executor.Backoff)
	assert.Equal(t, 50*time.Millisecond, cfg.Executor.RetryDelay.Std())
	assert.True(t, cfg.ApprovalsEnabled())
	assert.Equal(t, "k2", cfg.Approvals.ActiveKID)
	assert.False(t, *cfg.Rules.Watch)
	assert.Equal(t, "sqlite", cfg.Audit.Sink)
	assert.Equal(t, 720*time.Hour, cfg.Audit.Retention.Std())
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "pager", cfg.Providers[0].Webhook.Name)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACTEON_LISTEN", ":7070")
	t.Setenv("ACTEON_STATE_BACKEND", "redis")
	t.Setenv("ACTEON_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("ACTEON_RULES_DIR", "/srv/rules")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "redis", cfg.State.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.State.Redis.Addr)
	assert.Equal(t, "/srv/rules", cfg.Rules.Dir)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown backend", "state:\n  backend: etcd\n"},
		{"redis without addr", "state:\n  backend: redis\n"},
		{"unknown backoff", "executor:\n  backoff: fibonacci\n"},
		{"sqlite without path", "audit:\n  sink: sqlite\n"},
		{"approvals without active kid", "approvals:\n  keys:\n    k1: s\n"},
		{"active kid not declared", "server:\n  external_url: https://x\napprovals:\n  active_kid: k9\n  keys:\n    k1: s\n"},
		{"approvals without external url", "approvals:\n  active_kid: k1\n  keys:\n    k1: s\n"},
		{"unknown provider type", "providers:\n  - type: carrier-pigeon\n"},
		{"webhook without name", "providers:\n  - type: webhook\n    webhook:\n      url: https://x\n"},
		{"duplicate provider", "providers:\n  - type: webhook\n    webhook:\n      name: hook\n      url: https://x\n  - type: webhook\n    webhook:\n      name: hook\n      url: https://y\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
