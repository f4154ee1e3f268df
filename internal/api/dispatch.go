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
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// maxBodyBytes bounds request bodies; batches dominate the limit.
const maxBodyBytes = 4 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// normalize stamps identity and time onto a submitted action. Clients may
// pre-assign IDs for idempotent retries.
func normalize(act *action.Action) {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now().UTC()
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var act action.Action
	if !decodeJSON(w, r, &act) {
		return
	}
	normalize(&act)

	outcome, err := s.dispatcher.Dispatch(r.Context(), &act)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var acts []*action.Action
	if !decodeJSON(w, r, &acts) {
		return
	}
	if len(acts) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "batch must contain at least one action")
		return
	}
	for _, act := range acts {
		if act != nil {
			normalize(act)
		}
	}

	results := s.dispatcher.DispatchBatch(r.Context(), acts)
	body := make([]any, len(results))
	for i, res := range results {
		if res.Err != nil {
			body[i] = map[string]any{"error": httputil.ErrorEnvelope{
				Code:      string(errors.CodeOf(res.Err)),
				Message:   res.Err.Error(),
				Retryable: errors.IsRetryable(res.Err),
			}}
			continue
		}
		body[i] = res.Outcome
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": body})
}
