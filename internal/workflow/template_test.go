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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/penserai/acteon/pkg/action"
)

func templateCtx() *templateContext {
	origin := action.New("notif", "t1", "email", "send", map[string]any{
		"severity": "high",
		"count":    float64(3),
		"nested":   map[string]any{"region": "eu-west-1"},
	})
	origin.Labels = map[string]string{"team": "sre"}
	return &templateContext{
		Origin: origin,
		Prev:   map[string]any{"ticket_id": float64(42), "tags": []any{"a", "b"}},
		Steps: map[string]map[string]any{
			"create": {"url": "https://tickets/42"},
		},
		ChainID:   "chain-1",
		StepIndex: 2,
	}
}

func TestTemplateWholeStringKeepsType(t *testing.T) {
	tc := templateCtx()

	assert.Equal(t, float64(3), resolveTemplate("{{origin.payload.count}}", tc))
	assert.Equal(t, float64(42), resolveTemplate("{{prev.body.ticket_id}}", tc))
	assert.Equal(t, 2, resolveTemplate("{{step_index}}", tc))
	assert.Equal(t, "chain-1", resolveTemplate("{{chain_id}}", tc))
	assert.Equal(t, []any{"a", "b"}, resolveTemplate("{{prev.body.tags}}", tc))
}

func TestTemplateInlineSerializesReferences(t *testing.T) {
	tc := templateCtx()

	got := resolveTemplate("sev={{origin.payload.severity}} n={{origin.payload.count}}", tc)
	assert.Equal(t, "sev=high n=3", got)

	got = resolveTemplate("see {{steps.create.body.url}}", tc)
	assert.Equal(t, "see https://tickets/42", got)
}

func TestTemplateMissingPathsResolveNull(t *testing.T) {
	tc := templateCtx()

	assert.Nil(t, resolveTemplate("{{origin.payload.absent}}", tc))
	assert.Equal(t, "x=null", resolveTemplate("x={{prev.body.absent}}", tc))
	assert.Nil(t, resolveTemplate("{{steps.unknown.body.url}}", tc))
}

func TestTemplateOriginScalars(t *testing.T) {
	tc := templateCtx()

	assert.Equal(t, "notif", resolveTemplate("{{origin.namespace}}", tc))
	assert.Equal(t, "t1", resolveTemplate("{{origin.tenant}}", tc))
	assert.Equal(t, "send", resolveTemplate("{{origin.action_type}}", tc))
	assert.Equal(t, "email", resolveTemplate("{{origin.provider}}", tc))
	assert.Equal(t, "sre", resolveTemplate("{{origin.metadata.team}}", tc))
}

func TestTemplateNestedStructures(t *testing.T) {
	tc := templateCtx()

	tmpl := map[string]any{
		"region":  "{{origin.payload.nested.region}}",
		"ticket":  "{{prev.body.ticket_id}}",
		"static":  true,
		"entries": []any{"{{origin.payload.severity}}", "literal"},
	}
	got := resolveTemplate(tmpl, tc).(map[string]any)
	assert.Equal(t, "eu-west-1", got["region"])
	assert.Equal(t, float64(42), got["ticket"])
	assert.Equal(t, true, got["static"])
	assert.Equal(t, []any{"high", "literal"}, got["entries"])
}

func TestTemplateNoPlaceholdersPassThrough(t *testing.T) {
	tc := templateCtx()
	assert.Equal(t, "plain text", resolveTemplate("plain text", tc))
	assert.Equal(t, float64(7), resolveTemplate(float64(7), tc))
}
