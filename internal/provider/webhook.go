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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// WebhookConfig configures one HTTP webhook provider.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Webhook delivers actions as JSON documents to an HTTP endpoint. The
// request body is the action envelope; the response body is passed back
// verbatim.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook validates the config and builds the provider.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.Name == "" {
		return nil, &errors.ConfigError{Key: "name", Reason: "webhook provider needs a name"}
	}
	if cfg.URL == "" {
		return nil, &errors.ConfigError{Key: "url", Reason: "webhook provider " + cfg.Name + " needs a url"}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Provider.
func (w *Webhook) Name() string { return w.cfg.Name }

// webhookEnvelope is the request document delivered to the endpoint.
type webhookEnvelope struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	Tenant     string            `json:"tenant"`
	ActionType string            `json:"action_type"`
	Payload    map[string]any    `json:"payload"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Execute implements Provider.
func (w *Webhook) Execute(ctx context.Context, act *action.Action) (*action.ProviderResponse, error) {
	body, err := json.Marshal(webhookEnvelope{
		ID:         act.ID,
		Namespace:  act.Namespace,
		Tenant:     act.Tenant,
		ActionType: act.ActionType,
		Payload:    act.Payload,
		Labels:     act.Labels,
	})
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: w.cfg.Name,
			Code:     errors.CodeSerialization,
			Message:  "marshal webhook body: " + err.Error(),
			Cause:    err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: w.cfg.Name,
			Code:     errors.CodeConfiguration,
			Message:  "build webhook request: " + err.Error(),
			Cause:    err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		code := errors.CodeConnection
		if ctx.Err() == context.DeadlineExceeded {
			code = errors.CodeTimeout
		}
		return nil, &errors.ProviderError{
			Provider:  w.cfg.Name,
			Code:      code,
			Message:   "webhook request failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  w.cfg.Name,
			Code:      errors.CodeConnection,
			Message:   "read webhook response: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(w.cfg.Name, resp.StatusCode, respBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &action.ProviderResponse{
		Status:  resp.Status,
		Body:    parseBody(respBody),
		Headers: headers,
	}, nil
}

// parseBody decodes a JSON object response; anything else is wrapped so
// chain branches can still reach it under "raw".
func parseBody(raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		return body
	}
	if len(raw) == 0 {
		return nil
	}
	return map[string]any{"raw": string(raw)}
}

func classifyStatus(name string, status int, body []byte) error {
	msg := "webhook returned " + http.StatusText(status)
	if len(body) > 0 && len(body) <= 256 {
		msg += ": " + string(body)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &errors.ProviderError{Provider: name, Code: errors.CodeRateLimited, Message: msg, Retryable: true}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &errors.ProviderError{Provider: name, Code: errors.CodeTimeout, Message: msg, Retryable: true}
	case status == http.StatusNotFound:
		return &errors.ProviderError{Provider: name, Code: errors.CodeNotFound, Message: msg}
	case status >= 500:
		return &errors.ProviderError{Provider: name, Code: errors.CodeConnection, Message: msg, Retryable: true}
	default:
		return &errors.ProviderError{Provider: name, Code: errors.CodeExecutionFailed, Message: msg}
	}
}

// HealthCheck implements Provider with a HEAD probe against the endpoint.
func (w *Webhook) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return &errors.ProviderError{
			Provider:  w.cfg.Name,
			Code:      errors.CodeConnection,
			Message:   "health probe failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &errors.ProviderError{
			Provider:  w.cfg.Name,
			Code:      errors.CodeConnection,
			Message:   "health probe returned " + http.StatusText(resp.StatusCode),
			Retryable: true,
		}
	}
	return nil
}
