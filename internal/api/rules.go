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
	"net/http"
	"time"

	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"rules": s.dispatcher.Rules().List(),
	})
}

func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Directory string `json:"directory"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Directory == "" {
		req.Directory = s.cfg.RulesDir
	}
	if req.Directory == "" {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "no rules directory configured or given")
		return
	}

	loaded, err := rules.LoadDir(req.Directory)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	s.dispatcher.Rules().Replace(loaded)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"reloaded":  len(loaded),
		"directory": req.Directory,
	})
}

func (s *Server) handleRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := s.dispatcher.Rules().SetEnabled(name, req.Enabled); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"enabled": req.Enabled,
	})
}

// evaluateRequest is the dry-run trace request. The action is evaluated
// against the live rule set without dispatching anything.
type evaluateRequest struct {
	Action          *action.Action `json:"action"`
	IncludeDisabled bool           `json:"include_disabled"`
	EvaluateAll     bool           `json:"evaluate_all"`
	EvaluateAt      *time.Time        `json:"evaluate_at"`
	MockState       map[string]string `json:"mock_state"`
}

func (s *Server) handleRulesEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Action == nil {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "action is required")
		return
	}
	normalize(req.Action)
	if err := req.Action.Validate(); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	result := s.dispatcher.Rules().Trace(r.Context(), req.Action, rules.TraceOptions{
		IncludeDisabled: req.IncludeDisabled,
		EvaluateAll:     req.EvaluateAll,
		EvaluateAt:      req.EvaluateAt,
		MockState:       req.MockState,
	})
	httputil.WriteJSON(w, http.StatusOK, result)
}
