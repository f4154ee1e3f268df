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

// Package api is the REST surface of the gateway. Every endpoint is a
// thin adapter over the dispatcher and its collaborators; the wire
// contract (paths, envelopes, outcome tagging) is stable.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/penserai/acteon/internal/dispatch"
	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/provider"
)

// Config carries the server's non-dependency knobs.
type Config struct {
	Version string
	// RulesDir is the default directory for POST /v1/rules/reload when the
	// request names none.
	RulesDir string
}

// Server routes HTTP requests to the dispatcher.
type Server struct {
	mux        *http.ServeMux
	cfg        Config
	dispatcher *dispatch.Dispatcher
	providers  *provider.Registry
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// New builds the server and registers every route.
func New(cfg Config, d *dispatch.Dispatcher, providers *provider.Registry, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		dispatcher: d,
		providers:  providers,
		gatherer:   gatherer,
		logger:     log.WithComponent(logger, "api"),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	s.mux.HandleFunc("POST /v1/dispatch/batch", s.handleDispatchBatch)

	s.mux.HandleFunc("GET /v1/rules", s.handleRulesList)
	s.mux.HandleFunc("POST /v1/rules/reload", s.handleRulesReload)
	s.mux.HandleFunc("PUT /v1/rules/{name}/enabled", s.handleRuleEnabled)
	s.mux.HandleFunc("POST /v1/rules/evaluate", s.handleRulesEvaluate)

	s.mux.HandleFunc("GET /v1/audit", s.handleAuditList)
	s.mux.HandleFunc("GET /v1/audit/{action_id}", s.handleAuditGet)

	s.mux.HandleFunc("GET /v1/chains", s.handleChainsList)
	s.mux.HandleFunc("GET /v1/chains/definitions/{name}/dag", s.handleChainDefinitionDAG)
	s.mux.HandleFunc("GET /v1/chains/{id}", s.handleChainGet)
	s.mux.HandleFunc("POST /v1/chains/{id}/cancel", s.handleChainCancel)
	s.mux.HandleFunc("GET /v1/chains/{id}/dag", s.handleChainDAG)

	s.mux.HandleFunc("GET /v1/approvals", s.handleApprovalsList)
	s.mux.HandleFunc("GET /v1/approvals/{ns}/{tenant}/{id}", s.handleApprovalGet)
	s.mux.HandleFunc("POST /v1/approvals/{ns}/{tenant}/{id}/approve", s.handleApprovalApprove)
	s.mux.HandleFunc("POST /v1/approvals/{ns}/{tenant}/{id}/reject", s.handleApprovalReject)

	s.mux.HandleFunc("GET /v1/groups", s.handleGroupsList)
	s.mux.HandleFunc("GET /v1/groups/{id}", s.handleGroupGet)
	s.mux.HandleFunc("POST /v1/groups/{id}/flush", s.handleGroupFlush)

	s.mux.HandleFunc("GET /v1/events", s.handleEventStates)

	s.mux.HandleFunc("GET /v1/providers/health", s.handleProvidersHealth)
	s.mux.HandleFunc("GET /v1/breakers", s.handleBreakersList)
	s.mux.HandleFunc("POST /v1/breakers/{provider}/reset", s.handleBreakerReset)

	s.mux.HandleFunc("GET /v1/dlq/stats", s.handleDLQStats)
	s.mux.HandleFunc("POST /v1/dlq/drain", s.handleDLQDrain)

	s.mux.HandleFunc("GET /v1/stream", s.handleStream)

	return s
}

// ServeHTTP implements http.Handler with request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request completed",
		"method", r.Method,
		"path", r.URL.Path,
		log.DurationKey, time.Since(start).Milliseconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"metrics": s.metricsSnapshot(),
	}
	if s.cfg.Version != "" {
		body["version"] = s.cfg.Version
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// metricsSnapshot projects the dispatch counters out of the Prometheus
// registry for the health body.
func (s *Server) metricsSnapshot() map[string]any {
	snapshot := map[string]any{}
	if s.gatherer == nil {
		return snapshot
	}
	families, err := s.gatherer.Gather()
	if err != nil {
		return snapshot
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "acteon_dispatched_total":
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "outcome" {
						snapshot[l.GetValue()] = m.GetCounter().GetValue()
					}
				}
			}
		case "acteon_circuit_fallbacks_total":
			for _, m := range mf.GetMetric() {
				snapshot["circuit_fallbacks"] = m.GetCounter().GetValue()
			}
		case "acteon_dlq_depth":
			for _, m := range mf.GetMetric() {
				snapshot["dlq_depth"] = m.GetGauge().GetValue()
			}
		}
	}
	return snapshot
}

// scope pulls the namespace/tenant query pair required by listing
// endpoints.
func scope(r *http.Request) (namespace, tenant string, ok bool) {
	namespace = strings.TrimSpace(r.URL.Query().Get("namespace"))
	tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
	return namespace, tenant, namespace != "" && tenant != ""
}
