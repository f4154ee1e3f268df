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

	"github.com/penserai/acteon/internal/httputil"
	"github.com/penserai/acteon/internal/workflow"
	"github.com/penserai/acteon/pkg/errors"
)

// approvalSig holds the decision-link credentials carried as query
// parameters on approve and reject requests.
type approvalSig struct {
	Sig       string
	ExpiresAt int64
	KID       string
}

func decisionSig(r *http.Request) (approvalSig, error) {
	q := r.URL.Query()
	sig := approvalSig{Sig: q.Get("sig"), KID: q.Get("kid")}
	if sig.Sig == "" {
		return sig, &errors.ValidationError{Field: "sig", Message: "must not be empty"}
	}
	if sig.KID == "" {
		return sig, &errors.ValidationError{Field: "kid", Message: "must not be empty"}
	}
	expiresAt, err := strconv.ParseInt(q.Get("expires_at"), 10, 64)
	if err != nil {
		return sig, &errors.ValidationError{Field: "expires_at", Message: "must be a unix timestamp"}
	}
	sig.ExpiresAt = expiresAt
	return sig, nil
}

// approvalStatus is the reduced projection served to unsigned reads. The
// action snapshot and its payload stay behind the signed decision links.
type approvalStatus struct {
	ApprovalID string                  `json:"approval_id"`
	Status     workflow.ApprovalStatus `json:"status"`
	Rule       string                  `json:"rule"`
	CreatedAt  time.Time               `json:"created_at"`
	ExpiresAt  time.Time               `json:"expires_at"`
	DecidedAt  *time.Time              `json:"decided_at,omitempty"`
	Message    string                  `json:"message,omitempty"`
}

func approvalStatusOf(a *workflow.Approval) approvalStatus {
	return approvalStatus{
		ApprovalID: a.ApprovalID,
		Status:     a.Status,
		Rule:       a.RuleName,
		CreatedAt:  a.CreatedAt,
		ExpiresAt:  a.ExpiresAt,
		DecidedAt:  a.DecidedAt,
		Message:    a.Message,
	}
}

// approvalsConfigured guards the approval endpoints; without signing keys
// the subsystem is absent.
func (s *Server) approvalsConfigured(w http.ResponseWriter) bool {
	if s.dispatcher.Approvals() == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, errors.CodeConfiguration, "approvals are not configured")
		return false
	}
	return true
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	if !s.approvalsConfigured(w) {
		return
	}
	namespace, tenant, ok := scope(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.CodeValidation, "namespace and tenant query parameters are required")
		return
	}

	approvals, err := s.dispatcher.Approvals().List(r.Context(), namespace, tenant)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	statuses := make([]approvalStatus, len(approvals))
	for i := range approvals {
		statuses[i] = approvalStatusOf(&approvals[i])
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"approvals": statuses,
		"count":     len(statuses),
	})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	if !s.approvalsConfigured(w) {
		return
	}
	approval, err := s.dispatcher.Approvals().Get(r.Context(), r.PathValue("ns"), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, approvalStatusOf(approval))
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	if !s.approvalsConfigured(w) {
		return
	}
	sig, err := decisionSig(r)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	outcome, err := s.dispatcher.Approvals().Execute(r.Context(),
		r.PathValue("ns"), r.PathValue("tenant"), r.PathValue("id"),
		sig.Sig, sig.ExpiresAt, sig.KID, s.dispatcher.Redispatch)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	if !s.approvalsConfigured(w) {
		return
	}
	sig, err := decisionSig(r)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	approval, err := s.dispatcher.Approvals().Reject(r.Context(),
		r.PathValue("ns"), r.PathValue("tenant"), r.PathValue("id"),
		sig.Sig, sig.ExpiresAt, sig.KID)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, approval)
}
