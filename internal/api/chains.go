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
	"fmt"
	"net/http"

	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/internal/workflow"
	"github.com/penserai/acteon/pkg/errors"
)

func (s *Server) handleChainsList(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}
	status := workflow.ChainStatus(r.URL.Query().Get("status"))

	instances, err := s.dispatcher.Chains().List(r.Context(), namespace, tenant, status)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"chains":      instances,
		"definitions": s.dispatcher.Chains().Definitions(),
	})
}

func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	inst, err := s.dispatcher.Chains().Get(r.Context(), namespace, tenant, r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) handleChainCancel(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	id := r.PathValue("id")
	if err := s.dispatcher.Chains().Cancel(r.Context(), namespace, tenant, id); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"chain_id": id,
		"status":   workflow.ChainCancelled,
	})
}

// dagNode is one step of a rendered chain DAG. Status is only set when
// rendering a running instance.
type dagNode struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Provider string   `json:"provider,omitempty"`
	SubChain string   `json:"sub_chain,omitempty"`
	Children []string `json:"children,omitempty"`
	Status   string   `json:"status,omitempty"`
}

type dagEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

type dagView struct {
	Chain string    `json:"chain"`
	Nodes []dagNode `json:"nodes"`
	Edges []dagEdge `json:"edges"`
}

// buildDAG renders a chain definition as nodes and edges. When inst is
// non-nil the nodes carry per-step execution status.
func buildDAG(cfg workflow.ChainConfig, inst *workflow.ChainInstance) dagView {
	view := dagView{Chain: cfg.Name, Nodes: []dagNode{}, Edges: []dagEdge{}}

	executed := map[string]bool{}
	failed := map[string]bool{}
	if inst != nil {
		for _, res := range inst.StepResults {
			if res.Success {
				executed[res.StepName] = true
			} else {
				failed[res.StepName] = true
			}
		}
	}

	for i, step := range cfg.Steps {
		node := dagNode{Name: step.Name}
		switch {
		case step.Provider != "":
			node.Kind = "provider"
			node.Provider = step.Provider
		case step.SubChain != "":
			node.Kind = "sub_chain"
			node.SubChain = step.SubChain
		default:
			node.Kind = "parallel"
			node.Children = step.ParallelChildren
		}
		if inst != nil {
			switch {
			case failed[step.Name]:
				node.Status = "failed"
			case executed[step.Name]:
				node.Status = "completed"
			case !inst.Terminal() && i == inst.CurrentStepIndex:
				node.Status = "current"
			default:
				node.Status = "pending"
			}
		}
		view.Nodes = append(view.Nodes, node)

		for _, b := range step.Branches {
			view.Edges = append(view.Edges, dagEdge{
				From:      step.Name,
				To:        b.TargetStepName,
				Condition: fmt.Sprintf("%s %s %v", b.Field, b.Operator, b.Value),
			})
		}
		switch {
		case step.DefaultNext != "":
			view.Edges = append(view.Edges, dagEdge{From: step.Name, To: step.DefaultNext, Condition: "default"})
		case len(step.Branches) == 0 && i+1 < len(cfg.Steps):
			view.Edges = append(view.Edges, dagEdge{From: step.Name, To: cfg.Steps[i+1].Name})
		}
	}
	return view
}

func (s *Server) handleChainDefinitionDAG(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, ok := s.dispatcher.Chains().Config(name)
	if !ok {
		httputil.WriteErrorFrom(w, &errors.NotFoundError{Resource: "chain definition", ID: name})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, buildDAG(cfg, nil))
}

func (s *Server) handleChainDAG(w http.ResponseWriter, r *http.Request) {
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	inst, err := s.dispatcher.Chains().Get(r.Context(), namespace, tenant, r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	cfg, ok := s.dispatcher.Chains().Config(inst.ChainName)
	if !ok {
		httputil.WriteErrorFrom(w, &errors.NotFoundError{Resource: "chain definition", ID: inst.ChainName})
		return
	}
	view := buildDAG(cfg, inst)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"chain_id":       inst.ChainID,
		"status":         inst.Status,
		"execution_path": inst.ExecutionPath,
		"dag":            view,
	})
}
