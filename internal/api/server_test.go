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

package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/breaker"
	"github.com/penserai/acteon/internal/dispatch"
	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/internal/provider/providertest"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/state/memory"
	"github.com/penserai/acteon/internal/workflow"
)

type apiEnv struct {
	srv    *httptest.Server
	d      *dispatch.Dispatcher
	engine *rules.Engine
	email  *providertest.Mock
	sms    *providertest.Mock
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	store := memory.New()
	locker := memory.NewLocker()
	registry := provider.NewRegistry()
	email := providertest.New("email")
	sms := providertest.New("sms")
	registry.Register(email)
	registry.Register(sms)

	exec := executor.New(registry, executor.Config{
		MaxConcurrent:    8,
		MaxRetries:       0,
		ExecutionTimeout: time.Second,
		Retry:            executor.Constant{Delay: time.Millisecond},
	}, nil)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, nil)

	engine := rules.NewEngine(store)
	sink := audit.NewMemorySink(audit.MemoryOptions{}, nil)
	t.Cleanup(func() { sink.Close() })
	bus := events.NewBus(64)

	signer, err := workflow.NewSigner(map[string]string{"k1": "secret"}, "k1", "http://acteon.test")
	require.NoError(t, err)

	gatherer := prometheus.NewRegistry()
	d, err := dispatch.New(dispatch.Deps{
		Store:     store,
		Locker:    locker,
		Rules:     engine,
		Providers: registry,
		Breakers:  breakers,
		Executor:  exec,
		Audit:     sink,
		Bus:       bus,
		Signer:    signer,
		Metrics:   dispatch.NewMetrics(gatherer),
		Definitions: &workflow.Definitions{
			Chains: []workflow.ChainConfig{{
				Name: "escalate",
				Steps: []workflow.ChainStep{
					{Name: "page", Provider: "sms", ActionType: "page"},
					{Name: "mail", Provider: "email", ActionType: "mail"},
				},
				TimeoutSecs: 300,
			}},
		},
	})
	require.NoError(t, err)

	server := New(Config{Version: "test"}, d, registry, gatherer, nil)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, d: d, engine: engine, email: email, sms: sms}
}

func (e *apiEnv) setRules(t *testing.T, rs ...rules.Rule) {
	t.Helper()
	compiled := make([]*rules.Rule, len(rs))
	for i, r := range rs {
		if r.Priority == 0 {
			r.Priority = 10 * (i + 1)
		}
		r.Enabled = true
		c, err := rules.Compile(r)
		require.NoError(t, err)
		compiled[i] = c
	}
	e.engine.Replace(compiled)
}

// doJSON posts (or puts) the body and decodes the response into a generic
// document.
func (e *apiEnv) doJSON(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return resp.StatusCode, doc
}

func (e *apiEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return e.doJSON(t, http.MethodGet, path, nil)
}

func submitBody(actionType string) map[string]any {
	return map[string]any{
		"namespace":   "notif",
		"tenant":      "t1",
		"provider":    "email",
		"action_type": actionType,
		"payload":     map[string]any{"severity": "high"},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	status, doc := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", doc["status"])
	_, ok := doc["metrics"].(map[string]any)
	assert.True(t, ok)
}

func TestDispatchEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	status, doc := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("send"))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, doc, "Executed")
	assert.Equal(t, 1, env.email.CallCount())
}

func TestDispatchRejectsInvalidAction(t *testing.T) {
	env := newAPIEnv(t)

	body := submitBody("send")
	delete(body, "provider")
	status, doc := env.doJSON(t, http.MethodPost, "/v1/dispatch", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", doc["code"])
	assert.Equal(t, 0, env.email.CallCount())
}

func TestDispatchBatchEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "mute-spam",
		Condition: `action_type == "spam"`,
		Action:    rules.RuleAction{Type: rules.ActionSuppress},
	})

	invalid := submitBody("send")
	delete(invalid, "provider")
	status, doc := env.doJSON(t, http.MethodPost, "/v1/dispatch/batch",
		[]map[string]any{submitBody("send"), submitBody("spam"), invalid})
	assert.Equal(t, http.StatusOK, status)

	results, ok := doc["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Contains(t, results[0], "Executed")
	assert.Contains(t, results[1], "Suppressed")
	entry, ok := results[2].(map[string]any)
	require.True(t, ok)
	errBody, ok := entry["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", errBody["code"])
}

func TestRulesListAndToggle(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "mute-spam",
		Condition: `action_type == "spam"`,
		Action:    rules.RuleAction{Type: rules.ActionSuppress},
	})

	status, doc := env.get(t, "/v1/rules")
	assert.Equal(t, http.StatusOK, status)
	listed, ok := doc["rules"].([]any)
	require.True(t, ok)
	require.Len(t, listed, 1)

	status, doc = env.doJSON(t, http.MethodPut, "/v1/rules/mute-spam/enabled", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, doc["enabled"])

	status, _ = env.doJSON(t, http.MethodPut, "/v1/rules/no-such-rule/enabled", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRulesReload(t *testing.T) {
	env := newAPIEnv(t)

	dir := t.TempDir()
	doc := `rules:
  - name: mute-spam
    priority: 10
    condition: action_type == "spam"
    action:
      type: suppress
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(doc), 0o644))

	status, body := env.doJSON(t, http.MethodPost, "/v1/rules/reload", map[string]any{"directory": dir})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["reloaded"])
	assert.Equal(t, dir, body["directory"])

	status, _ = env.doJSON(t, http.MethodPost, "/v1/rules/reload", map[string]any{"directory": filepath.Join(dir, "missing")})
	assert.NotEqual(t, http.StatusOK, status)
}

func TestRulesEvaluateDryRun(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "mute-spam",
		Condition: `action_type == "spam"`,
		Action:    rules.RuleAction{Type: rules.ActionSuppress},
	})

	status, doc := env.doJSON(t, http.MethodPost, "/v1/rules/evaluate", map[string]any{
		"action": submitBody("spam"),
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "suppress", doc["verdict"])
	assert.Equal(t, "mute-spam", doc["matched_rule"])
	// Dry run: nothing is dispatched.
	assert.Equal(t, 0, env.email.CallCount())
}

func TestAuditEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	status, outcome := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("send"))
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, outcome, "Executed")

	status, doc := env.get(t, "/v1/audit?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	records, ok := doc["records"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	actionID := rec["action_id"].(string)

	status, single := env.get(t, "/v1/audit/"+actionID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, actionID, single["action_id"])
	assert.Equal(t, "executed", single["outcome"])

	status, _ = env.get(t, "/v1/audit/does-not-exist")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestChainEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "escalate-critical",
		Condition: `action_type == "critical"`,
		Action:    rules.RuleAction{Type: rules.ActionChain, Chain: &rules.ChainAction{Name: "escalate"}},
	})

	status, outcome := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("critical"))
	require.Equal(t, http.StatusOK, status)
	started, ok := outcome["ChainStarted"].(map[string]any)
	require.True(t, ok)
	chainID := started["chain_id"].(string)

	status, doc := env.get(t, "/v1/chains?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	chains, ok := doc["chains"].([]any)
	require.True(t, ok)
	require.Len(t, chains, 1)
	assert.Equal(t, []any{"escalate"}, doc["definitions"])

	status, inst := env.get(t, "/v1/chains/"+chainID+"?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "escalate", inst["chain_name"])

	status, dag := env.get(t, "/v1/chains/"+chainID+"/dag?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	view := dag["dag"].(map[string]any)
	nodes := view["nodes"].([]any)
	require.Len(t, nodes, 2)
	assert.Equal(t, "page", nodes[0].(map[string]any)["name"])

	status, defDag := env.get(t, "/v1/chains/definitions/escalate/dag")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "escalate", defDag["chain"])
	edges := defDag["edges"].([]any)
	require.Len(t, edges, 1)
	assert.Equal(t, "page", edges[0].(map[string]any)["from"])
	assert.Equal(t, "mail", edges[0].(map[string]any)["to"])

	status, _ = env.get(t, "/v1/chains/definitions/unknown/dag")
	assert.Equal(t, http.StatusNotFound, status)

	status, cancelled := env.doJSON(t, http.MethodPost, "/v1/chains/"+chainID+"/cancel?namespace=notif&tenant=t1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", cancelled["status"])
}

func TestApprovalEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "gate-deletes",
		Condition: `action_type == "delete"`,
		Action: rules.RuleAction{Type: rules.ActionRequestApproval, Approval: &rules.ApprovalAction{
			TimeoutSecs: 600,
		}},
	})

	status, outcome := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("delete"))
	require.Equal(t, http.StatusOK, status)
	pending, ok := outcome["PendingApproval"].(map[string]any)
	require.True(t, ok)
	approveURL, err := url.Parse(pending["approve_url"].(string))
	require.NoError(t, err)

	status, doc := env.get(t, "/v1/approvals?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	approvals := doc["approvals"].([]any)
	require.Len(t, approvals, 1)
	entry := approvals[0].(map[string]any)
	assert.NotContains(t, entry, "action", "listing must not expose the action snapshot")

	// An unsigned status poll gets the reduced projection, never the
	// gated payload.
	status, polled := env.get(t, strings.TrimSuffix(approveURL.Path, "/approve"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, pending["approval_id"], polled["approval_id"])
	assert.Equal(t, "pending", polled["status"])
	assert.NotContains(t, polled, "action")
	assert.NotContains(t, polled, "payload")

	// Tampered signature is refused.
	status, _ = env.doJSON(t, http.MethodPost, approveURL.Path+"?sig=bogus&expires_at=1&kid=k1", nil)
	assert.NotEqual(t, http.StatusOK, status)
	assert.Equal(t, 0, env.email.CallCount())

	status, approved := env.doJSON(t, http.MethodPost, approveURL.Path+"?"+approveURL.RawQuery, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, approved, "Executed")
	assert.Equal(t, 1, env.email.CallCount())
}

func TestGroupEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.setRules(t, rules.Rule{
		Name:      "batch-digests",
		Condition: `action_type == "digest"`,
		Action: rules.RuleAction{Type: rules.ActionGroup, Group: &rules.GroupAction{
			By:       []string{"action_type"},
			WaitSecs: 300,
		}},
	})

	status, outcome := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("digest"))
	require.Equal(t, http.StatusOK, status)
	grouped, ok := outcome["Grouped"].(map[string]any)
	require.True(t, ok)
	groupID := grouped["group_id"].(string)

	status, doc := env.get(t, "/v1/groups?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, doc["groups"].([]any), 1)

	status, grp := env.get(t, "/v1/groups/"+groupID+"?namespace=notif&tenant=t1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, groupID, grp["group_id"])

	status, flushed := env.doJSON(t, http.MethodPost, "/v1/groups/"+groupID+"/flush?namespace=notif&tenant=t1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, flushed["flushed"])
	assert.Equal(t, 1, env.email.CallCount())
}

func TestProvidersHealthAndBreakers(t *testing.T) {
	env := newAPIEnv(t)

	status, doc := env.get(t, "/v1/providers/health")
	assert.Equal(t, http.StatusOK, status)
	providers := doc["providers"].([]any)
	require.Len(t, providers, 2)
	first := providers[0].(map[string]any)
	assert.Equal(t, "closed", first["circuit_state"])

	// Two failures trip the email breaker.
	env.email.FailWith(fmt.Errorf("smtp down"), fmt.Errorf("smtp down"))
	for i := 0; i < 2; i++ {
		env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("send"))
	}

	status, doc = env.get(t, "/v1/breakers")
	assert.Equal(t, http.StatusOK, status)
	breakers := doc["breakers"].([]any)
	require.NotEmpty(t, breakers)
	emailBreaker := breakers[0].(map[string]any)
	assert.Equal(t, "email", emailBreaker["provider"])
	assert.Equal(t, "open", emailBreaker["state"])

	status, reset := env.doJSON(t, http.MethodPost, "/v1/breakers/email/reset", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", reset["state"])

	status, _ = env.doJSON(t, http.MethodPost, "/v1/breakers/unknown/reset", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDLQEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.email.FailWith(fmt.Errorf("smtp down"))

	env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("send"))

	status, stats := env.get(t, "/v1/dlq/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), stats["depth"])

	status, drained := env.doJSON(t, http.MethodPost, "/v1/dlq/drain", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), drained["drained"])

	status, stats = env.get(t, "/v1/dlq/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), stats["depth"])
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := env.srv.Client().Get(env.srv.URL + "/v1/stream?namespace=notif&event_type=action_dispatched")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	status, _ := env.doJSON(t, http.MethodPost, "/v1/dispatch", submitBody("send"))
	require.Equal(t, http.StatusOK, status)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.Equal(t, "event: action_dispatched", eventLine)

	var event events.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &event))
	assert.Equal(t, "notif", event.Namespace)
	assert.Equal(t, events.ActionDispatched, event.EventType)
}
