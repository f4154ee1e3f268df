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
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/penserai/acteon/pkg/action"
)

// templateRef matches one {{ expr }} placeholder.
var templateRef = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// templateContext is everything a step template may reference.
type templateContext struct {
	Origin    *action.Action
	Prev      map[string]any            // previous step's response body
	Steps     map[string]map[string]any // step name -> response body
	ChainID   string
	StepIndex int
}

// resolveTemplate walks the template JSON value and substitutes
// placeholders in every string. A string that is exactly one placeholder
// keeps the referenced value's JSON type; mixed strings serialize each
// reference inline. Missing paths resolve to null.
func resolveTemplate(tmpl any, tc *templateContext) any {
	switch v := tmpl.(type) {
	case string:
		return resolveString(v, tc)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = resolveTemplate(val, tc)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveTemplate(item, tc)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, tc *templateContext) any {
	matches := templateRef.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string single reference keeps the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		val, _ := lookupRef(expr, tc)
		return val
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		expr := strings.TrimSpace(s[m[2]:m[3]])
		val, _ := lookupRef(expr, tc)
		sb.WriteString(inlineString(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// inlineString renders a resolved value inside a larger string. Strings
// stay bare; everything else serializes as JSON.
func inlineString(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(raw)
	}
}

// lookupRef resolves one reference expression against the context.
func lookupRef(expr string, tc *templateContext) (any, bool) {
	parts := strings.Split(expr, ".")
	switch parts[0] {
	case "chain_id":
		return tc.ChainID, true
	case "step_index":
		return tc.StepIndex, true
	case "origin":
		return lookupOrigin(parts[1:], tc.Origin)
	case "prev":
		if len(parts) >= 2 && parts[1] == "body" {
			return lookupPath(tc.Prev, parts[2:])
		}
		return nil, false
	case "steps":
		if len(parts) >= 3 && parts[2] == "body" {
			body, ok := tc.Steps[parts[1]]
			if !ok {
				return nil, false
			}
			return lookupPath(body, parts[3:])
		}
		return nil, false
	default:
		return nil, false
	}
}

func lookupOrigin(parts []string, origin *action.Action) (any, bool) {
	if origin == nil || len(parts) == 0 {
		return nil, false
	}
	switch parts[0] {
	case "payload":
		return lookupPath(origin.Payload, parts[1:])
	case "metadata":
		if len(parts) != 2 {
			return nil, false
		}
		v, ok := origin.Labels[parts[1]]
		if !ok {
			return nil, false
		}
		return v, true
	case "namespace":
		return origin.Namespace, true
	case "tenant":
		return origin.Tenant, true
	case "action_type":
		return origin.ActionType, true
	case "provider":
		return origin.Provider, true
	case "id":
		return origin.ID, true
	default:
		return nil, false
	}
}

// lookupPath walks a dotted path through nested maps and arrays. Numeric
// segments index arrays.
func lookupPath(root map[string]any, parts []string) (any, bool) {
	if root == nil {
		return nil, false
	}
	var cur any = root
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
