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

	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/pkg/errors"
)

func (s *Server) handleGroupsList(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	groups, err := s.dispatcher.Grouper().List(r.Context(), namespace, tenant)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	grp, err := s.dispatcher.Grouper().Get(r.Context(), namespace, tenant, r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grp)
}

// handleGroupFlush forces the batch out ahead of its notify_at.
func (s *Server) handleGroupFlush(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	id := r.PathValue("id")
	if err := s.dispatcher.Grouper().FlushByID(r.Context(), namespace, tenant, id); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"group_id": id,
		"flushed":  true,
	})
}
