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

// Package config loads and validates the daemon configuration. A config
// file is YAML; a small set of environment variables override it so
// containerized deployments need no file at all.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/internal/breaker"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/pkg/errors"
)

// Duration unmarshals from Go duration strings ("30s", "5m") or bare
// integers, which are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return &errors.ConfigError{Key: "duration", Reason: "invalid duration " + v}
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return &errors.ConfigError{Key: "duration", Reason: "must be a duration string or seconds"}
	}
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Breakers  BreakersConfig  `yaml:"breakers"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Rules     RulesConfig     `yaml:"rules"`
	Audit     AuditConfig     `yaml:"audit"`
	Events    EventsConfig    `yaml:"events"`
	DLQ       DLQConfig       `yaml:"dlq"`

	// DefinitionsDir holds chain, state machine and quota YAML files.
	DefinitionsDir string `yaml:"definitions_dir,omitempty"`

	// Providers declares the outbound integrations available to dispatch.
	Providers []ProviderSpec `yaml:"providers,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the bind address.
	// Environment: ACTEON_LISTEN
	// Default: :8080
	Listen string `yaml:"listen,omitempty"`

	// ExternalURL is the base URL under which the daemon is reachable from
	// outside; approval links are built against it.
	// Environment: ACTEON_EXTERNAL_URL
	ExternalURL string `yaml:"external_url,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level,omitempty"`
	// Format is json or text. Default: json
	Format string `yaml:"format,omitempty"`
}

// StateConfig selects and configures the state backend.
type StateConfig struct {
	// Backend is memory or redis.
	// Environment: ACTEON_STATE_BACKEND
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds the redis backend connection settings.
type RedisConfig struct {
	// Addr is host:port.
	// Environment: ACTEON_REDIS_ADDR
	Addr string `yaml:"addr,omitempty"`
	// Environment: ACTEON_REDIS_PASSWORD
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ExecutorConfig bounds provider execution.
type ExecutorConfig struct {
	// MaxConcurrent caps parallel provider calls. Default: 64
	MaxConcurrent int64 `yaml:"max_concurrent,omitempty"`
	// MaxRetries is the retry count after the first attempt. Default: 2
	MaxRetries int `yaml:"max_retries,omitempty"`
	// ExecutionTimeout bounds one attempt. Default: 30s
	ExecutionTimeout Duration `yaml:"execution_timeout,omitempty"`

	// Backoff is constant or exponential. Default: exponential
	Backoff string `yaml:"backoff,omitempty"`
	// RetryDelay seeds the backoff (constant delay, or the exponential
	// initial delay). Default: 200ms
	RetryDelay Duration `yaml:"retry_delay,omitempty"`
	// RetryMaxDelay caps exponential backoff. Default: 5s
	RetryMaxDelay Duration `yaml:"retry_max_delay,omitempty"`
}

// BreakerSpec mirrors breaker.Config with YAML-friendly durations.
type BreakerSpec struct {
	FailureThreshold uint32   `yaml:"failure_threshold,omitempty"`
	SuccessThreshold uint32   `yaml:"success_threshold,omitempty"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout,omitempty"`
	FallbackProvider string   `yaml:"fallback_provider,omitempty"`
}

// ToBreaker converts the spec into the registry's config type.
func (b BreakerSpec) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		RecoveryTimeout:  b.RecoveryTimeout.Std(),
		FallbackProvider: b.FallbackProvider,
	}
}

// BreakersConfig carries the registry default and per-provider overrides.
type BreakersConfig struct {
	Default     BreakerSpec            `yaml:"default,omitempty"`
	PerProvider map[string]BreakerSpec `yaml:"per_provider,omitempty"`
}

// ApprovalsConfig configures decision-link signing. Approvals are disabled
// when no keys are declared.
type ApprovalsConfig struct {
	// Keys maps key IDs to HMAC secrets. Old keys stay listed until every
	// link signed with them has expired.
	Keys map[string]string `yaml:"keys,omitempty"`
	// ActiveKID names the key used to sign new links.
	ActiveKID string `yaml:"active_kid,omitempty"`
}

// RulesConfig locates the rule files.
type RulesConfig struct {
	// Dir holds the YAML rule files.
	// Environment: ACTEON_RULES_DIR
	Dir string `yaml:"dir,omitempty"`
	// Watch reloads the directory on file changes. Default: true
	Watch *bool `yaml:"watch,omitempty"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Sink is memory or sqlite. Default: memory
	Sink string `yaml:"sink,omitempty"`
	// Path is the sqlite database file; required for the sqlite sink.
	Path string `yaml:"path,omitempty"`
	// Retention expires records after this duration; zero keeps them.
	Retention Duration `yaml:"retention,omitempty"`
	// HashChain links records into a tamper-evident chain.
	HashChain bool `yaml:"hash_chain,omitempty"`
	// MaxRecords bounds the memory sink. Default: 100000
	MaxRecords int `yaml:"max_records,omitempty"`
}

// EventsConfig tunes the broadcast bus.
type EventsConfig struct {
	// Buffer is the per-subscriber channel depth. Default: 64
	Buffer int `yaml:"buffer,omitempty"`
}

// DLQConfig bounds the dead letter queue.
type DLQConfig struct {
	// MaxSize is the retained entry cap. Default: 1000
	MaxSize int `yaml:"max_size,omitempty"`
}

// WebhookSpec mirrors provider.WebhookConfig with a YAML-friendly timeout.
type WebhookSpec struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
}

// ToProvider converts the spec into the provider's config type.
func (w WebhookSpec) ToProvider() provider.WebhookConfig {
	return provider.WebhookConfig{
		Name:    w.Name,
		URL:     w.URL,
		Method:  w.Method,
		Headers: w.Headers,
		Timeout: w.Timeout.Std(),
	}
}

// ProviderSpec declares one provider instance. Type selects which of the
// embedded configs is read.
type ProviderSpec struct {
	// Type is webhook or slack.
	Type    string               `yaml:"type"`
	Webhook WebhookSpec          `yaml:"webhook,omitempty"`
	Slack   provider.SlackConfig `yaml:"slack,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	watch := true
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		State: StateConfig{Backend: "memory"},
		Executor: ExecutorConfig{
			MaxConcurrent:    64,
			MaxRetries:       2,
			ExecutionTimeout: Duration(30 * time.Second),
			Backoff:          "exponential",
			RetryDelay:       Duration(200 * time.Millisecond),
			RetryMaxDelay:    Duration(5 * time.Second),
		},
		Breakers: BreakersConfig{Default: BreakerSpec{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  Duration(30 * time.Second),
		}},
		Rules: RulesConfig{Watch: &watch},
		Audit: AuditConfig{
			Sink:       "memory",
			MaxRecords: 100000,
		},
		Events: EventsConfig{Buffer: 64},
		DLQ:    DLQConfig{MaxSize: 1000},
	}
}

// Load reads the file (when path is non-empty), layers it over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "invalid yaml: " + err.Error()}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ACTEON_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("ACTEON_EXTERNAL_URL"); v != "" {
		c.Server.ExternalURL = v
	}
	if v := os.Getenv("ACTEON_STATE_BACKEND"); v != "" {
		c.State.Backend = v
	}
	if v := os.Getenv("ACTEON_REDIS_ADDR"); v != "" {
		c.State.Redis.Addr = v
	}
	if v := os.Getenv("ACTEON_REDIS_PASSWORD"); v != "" {
		c.State.Redis.Password = v
	}
	if v := os.Getenv("ACTEON_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.State.Redis.DB = db
		}
	}
	if v := os.Getenv("ACTEON_RULES_DIR"); v != "" {
		c.Rules.Dir = v
	}
	if v := os.Getenv("ACTEON_DEFINITIONS_DIR"); v != "" {
		c.DefinitionsDir = v
	}
	if v := os.Getenv("ACTEON_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return &errors.ConfigError{Key: "server.listen", Reason: "must not be empty"}
	}

	switch c.State.Backend {
	case "memory":
	case "redis":
		if c.State.Redis.Addr == "" {
			return &errors.ConfigError{Key: "state.redis.addr", Reason: "required for the redis backend"}
		}
	default:
		return &errors.ConfigError{Key: "state.backend", Reason: "must be memory or redis, got " + c.State.Backend}
	}

	switch c.Executor.Backoff {
	case "", "constant", "exponential":
	default:
		return &errors.ConfigError{Key: "executor.backoff", Reason: "must be constant or exponential, got " + c.Executor.Backoff}
	}
	if c.Executor.MaxConcurrent <= 0 {
		return &errors.ConfigError{Key: "executor.max_concurrent", Reason: "must be positive"}
	}
	if c.Executor.MaxRetries < 0 {
		return &errors.ConfigError{Key: "executor.max_retries", Reason: "must not be negative"}
	}

	switch c.Audit.Sink {
	case "", "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			return &errors.ConfigError{Key: "audit.path", Reason: "required for the sqlite sink"}
		}
	default:
		return &errors.ConfigError{Key: "audit.sink", Reason: "must be memory or sqlite, got " + c.Audit.Sink}
	}

	if len(c.Approvals.Keys) > 0 {
		if c.Approvals.ActiveKID == "" {
			return &errors.ConfigError{Key: "approvals.active_kid", Reason: "required when keys are declared"}
		}
		if _, ok := c.Approvals.Keys[c.Approvals.ActiveKID]; !ok {
			return &errors.ConfigError{Key: "approvals.active_kid", Reason: "names an undeclared key: " + c.Approvals.ActiveKID}
		}
		if c.Server.ExternalURL == "" {
			return &errors.ConfigError{Key: "server.external_url", Reason: "required when approvals are configured"}
		}
	}

	seen := map[string]bool{}
	for i, spec := range c.Providers {
		var name string
		switch spec.Type {
		case "webhook":
			name = spec.Webhook.Name
		case "slack":
			name = spec.Slack.Name
			if name == "" {
				name = "slack"
			}
		default:
			return &errors.ConfigError{
				Key:    "providers[" + strconv.Itoa(i) + "].type",
				Reason: "must be webhook or slack, got " + spec.Type,
			}
		}
		if name == "" {
			return &errors.ConfigError{Key: "providers[" + strconv.Itoa(i) + "]", Reason: "provider needs a name"}
		}
		if seen[name] {
			return &errors.ConfigError{Key: "providers[" + strconv.Itoa(i) + "]", Reason: "duplicate provider name " + name}
		}
		seen[name] = true
	}

	return nil
}

// ApprovalsEnabled reports whether decision-link signing is configured.
func (c *Config) ApprovalsEnabled() bool {
	return len(c.Approvals.Keys) > 0
}
