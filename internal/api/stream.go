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
	"fmt"
	"net/http"
	"time"

	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/pkg/errors"
)

// streamHeartbeat keeps idle SSE connections alive through proxies.
const streamHeartbeat = 15 * time.Second

// streamFilter narrows the event stream. Empty fields match everything.
type streamFilter struct {
	Namespace  string
	Tenant     string
	EventType  events.EventType
	ActionType string
}

func (f streamFilter) matches(e events.StreamEvent) bool {
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if f.Tenant != "" && e.Tenant != f.Tenant {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	return true
}

// handleStream serves the live event feed as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, errors.CodeExecutionFailed, "streaming unsupported by connection")
		return
	}

	q := r.URL.Query()
	filter := streamFilter{
		Namespace:  q.Get("namespace"),
		Tenant:     q.Get("tenant"),
		EventType:  events.EventType(q.Get("event_type")),
		ActionType: q.Get("action_type"),
	}

	sub := s.dispatcher.Bus().Subscribe()
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				return
			}
			if !filter.matches(event) {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
