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

	"github.com/penserai/acteon/internal/breaker"
	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/pkg/errors"
)

// handleEventStates lists tracked state machine objects for a scope.
func (s *Server) handleEventStates(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	states, err := s.dispatcher.Machines().States(r.Context(), namespace, tenant, r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"states": states})
}

// providerHealth is one provider's health joined with its breaker state.
type providerHealth struct {
	provider.Health
	CircuitState string `json:"circuit_state"`
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	health := s.providers.HealthAll(r.Context())

	circuits := map[string]string{}
	for _, st := range s.dispatcher.Breakers().Statuses() {
		circuits[st.Provider] = st.State
	}

	out := make([]providerHealth, len(health))
	for i, h := range health {
		state, ok := circuits[h.Name]
		if !ok {
			// No breaker yet means the provider was never called.
			state = "closed"
		}
		out[i] = providerHealth{Health: h, CircuitState: state}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleBreakersList(w http.ResponseWriter, r *http.Request) {
	statuses := s.dispatcher.Breakers().Statuses()
	if statuses == nil {
		statuses = []breaker.Status{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if !s.dispatcher.Breakers().Reset(name) {
		httputil.WriteErrorFrom(w, &errors.NotFoundError{Resource: "circuit breaker", ID: name})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"state":    "closed",
	})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.dispatcher.DLQ().Stats())
}

func (s *Server) handleDLQDrain(w http.ResponseWriter, r *http.Request) {
	entries := s.dispatcher.DLQ().Drain()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"drained": len(entries),
		"entries": entries,
	})
}
