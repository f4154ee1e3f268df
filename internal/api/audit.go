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
	"strconv"
	"time"

	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/pkg/errors"
)

// auditFilter maps query parameters onto the sink filter.
func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Namespace:   q.Get("namespace"),
		Tenant:      q.Get("tenant"),
		Provider:    q.Get("provider"),
		ActionType:  q.Get("action_type"),
		Verdict:     q.Get("verdict"),
		Outcome:     q.Get("outcome"),
		MatchedRule: q.Get("matched_rule"),
		ChainID:     q.Get("chain_id"),
		CallerID:    q.Get("caller_id"),
	}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &f.Since},
		{"until", &f.Until},
	} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, &errors.ValidationError{Field: bound.name, Message: "must be RFC3339: " + err.Error()}
		}
		*bound.dst = &ts
	}

	for _, bound := range []struct {
		name string
		dst  *int
	}{
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, &errors.ValidationError{Field: bound.name, Message: "must be a non-negative integer"}
		}
		*bound.dst = n
	}

	return f, nil
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	s.dispatcher.Audit().Flush()
	page, err := s.dispatcher.Audit().Query(r.Context(), f)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("action_id")

	s.dispatcher.Audit().Flush()
	page, err := s.dispatcher.Audit().Query(r.Context(), audit.Filter{ActionID: actionID, Limit: 1})
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if len(page.Records) == 0 {
		httputil.WriteErrorFrom(w, &errors.NotFoundError{Resource: "audit record", ID: actionID})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page.Records[0])
}
