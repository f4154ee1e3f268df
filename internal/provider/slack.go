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

package provider

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// SlackConfig configures the Slack sample provider.
type SlackConfig struct {
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// slackAPI is the slice of the Slack client the provider uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Slack posts actions as channel messages. The payload's "text" field is
// the message; "channel" overrides the configured default channel.
type Slack struct {
	cfg SlackConfig
	api slackAPI
}

// NewSlack validates the config and builds the provider.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.Name == "" {
		cfg.Name = "slack"
	}
	if cfg.Token == "" {
		return nil, &errors.ConfigError{Key: "token", Reason: "slack provider needs a token"}
	}
	if cfg.Channel == "" {
		return nil, &errors.ConfigError{Key: "channel", Reason: "slack provider needs a default channel"}
	}
	return &Slack{cfg: cfg, api: slack.New(cfg.Token)}, nil
}

// Name implements Provider.
func (s *Slack) Name() string { return s.cfg.Name }

// Execute implements Provider.
func (s *Slack) Execute(ctx context.Context, act *action.Action) (*action.ProviderResponse, error) {
	text, _ := act.Payload["text"].(string)
	if text == "" {
		text = fmt.Sprintf("[%s/%s] %s", act.Namespace, act.Tenant, act.ActionType)
	}
	channel := s.cfg.Channel
	if override, ok := act.Payload["channel"].(string); ok && override != "" {
		channel = override
	}

	_, ts, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, s.classify(err)
	}

	return &action.ProviderResponse{
		Status: "ok",
		Body:   map[string]any{"channel": channel, "ts": ts},
	}, nil
}

func (s *Slack) classify(err error) error {
	if rle, ok := err.(*slack.RateLimitedError); ok {
		return &errors.ProviderError{
			Provider:  s.cfg.Name,
			Code:      errors.CodeRateLimited,
			Message:   fmt.Sprintf("slack rate limited, retry after %s", rle.RetryAfter),
			Retryable: true,
			Cause:     err,
		}
	}
	switch err.Error() {
	case "channel_not_found":
		return &errors.ProviderError{Provider: s.cfg.Name, Code: errors.CodeNotFound, Message: "slack channel not found", Cause: err}
	case "invalid_auth", "token_revoked", "not_authed":
		return &errors.ProviderError{Provider: s.cfg.Name, Code: errors.CodeConfiguration, Message: "slack auth failed: " + err.Error(), Cause: err}
	default:
		return &errors.ProviderError{
			Provider:  s.cfg.Name,
			Code:      errors.CodeConnection,
			Message:   "slack post failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
}

// HealthCheck implements Provider via the Slack auth.test endpoint.
func (s *Slack) HealthCheck(ctx context.Context) error {
	if _, err := s.api.AuthTestContext(ctx); err != nil {
		return &errors.ProviderError{
			Provider:  s.cfg.Name,
			Code:      errors.CodeConnection,
			Message:   "slack auth.test failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	return nil
}
