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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/errors"
)

// ApprovalStatus is the lifecycle of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a dispatch held for a human decision. The action snapshot is
// what re-dispatches on approval.
type Approval struct {
	ApprovalID string         `json:"approval_id"`
	RuleName   string         `json:"rule_name"`
	Action     *action.Action `json:"action"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	Message    string         `json:"message,omitempty"`
	HMACKeyID  string         `json:"hmac_key_id"`
}

// Signer signs and verifies approval decision URLs. Multiple keys allow
// rotation; kid selects the key on verification.
type Signer struct {
	keys        map[string]string
	activeKID   string
	externalURL string
}

// NewSigner builds a signer. activeKID names the key new signatures use.
func NewSigner(keys map[string]string, activeKID, externalURL string) (*Signer, error) {
	if len(keys) == 0 {
		return nil, &errors.ConfigError{Key: "approval.hmac_keys", Reason: "at least one key is required"}
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, &errors.ConfigError{Key: "approval.active_kid", Reason: fmt.Sprintf("active key %q is not configured", activeKID)}
	}
	return &Signer{keys: keys, activeKID: activeKID, externalURL: externalURL}, nil
}

// signingInput is the canonical string both sides MAC over.
func signingInput(namespace, tenant, approvalID string, expiresAt int64, kid string) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", namespace, tenant, approvalID, expiresAt, kid)
}

// Sign returns the hex signature for a decision URL using the active key.
func (s *Signer) Sign(namespace, tenant, approvalID string, expiresAt int64) (sig, kid string) {
	mac := hmac.New(sha256.New, []byte(s.keys[s.activeKID]))
	mac.Write([]byte(signingInput(namespace, tenant, approvalID, expiresAt, s.activeKID)))
	return hex.EncodeToString(mac.Sum(nil)), s.activeKID
}

// Verify checks a decision signature against the named key and the expiry.
func (s *Signer) Verify(namespace, tenant, approvalID string, expiresAt int64, kid, sig string, now time.Time) error {
	secret, ok := s.keys[kid]
	if !ok {
		return &errors.ValidationError{Field: "kid", Message: "unknown signing key"}
	}
	if now.Unix() > expiresAt {
		return &errors.ValidationError{Field: "expires_at", Message: "approval link has expired"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput(namespace, tenant, approvalID, expiresAt, kid)))
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return &errors.ValidationError{Field: "sig", Message: "signature mismatch"}
	}
	return nil
}

// decisionURL renders one signed decision link.
func (s *Signer) decisionURL(verb, namespace, tenant, approvalID string, expiresAt int64) string {
	sig, kid := s.Sign(namespace, tenant, approvalID, expiresAt)
	return fmt.Sprintf("%s/v1/approvals/%s/%s/%s/%s?sig=%s&expires_at=%d&kid=%s",
		s.externalURL, namespace, tenant, approvalID, verb, sig, expiresAt, kid)
}

// Approvals persists pending approvals, notifies deciders, and resolves
// decisions exactly once via versioned CAS on the approval record.
type Approvals struct {
	store   state.Store
	signer  *Signer
	bus     *events.Bus
	invoker Invoker
	logger  *slog.Logger
	now     func() time.Time
}

// NewApprovals wires the approval manager.
func NewApprovals(store state.Store, signer *Signer, bus *events.Bus, invoker Invoker, logger *slog.Logger) *Approvals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{
		store:   store,
		signer:  signer,
		bus:     bus,
		invoker: invoker,
		logger:  logger,
		now:     time.Now,
	}
}

func approvalKey(namespace, tenant, approvalID string) string {
	return state.NewKey(namespace, tenant, state.KindApproval, approvalID).String()
}

// Request persists a pending approval for the action and sends the signed
// decision links through the rule's notify provider. The caller gets
// PendingApproval immediately; execution waits for the decision.
func (a *Approvals) Request(ctx context.Context, act *action.Action, cfg *rules.ApprovalAction, ruleName string) (*action.Outcome, error) {
	now := a.now().UTC()
	approval := &Approval{
		ApprovalID: uuid.New().String(),
		RuleName:   ruleName,
		Action:     act.Clone(),
		Status:     ApprovalPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(cfg.Timeout()),
		Message:    cfg.Message,
		HMACKeyID:  a.signer.activeKID,
	}

	key := approvalKey(act.Namespace, act.Tenant, approval.ApprovalID)
	if err := a.persist(ctx, key, approval, 0); err != nil {
		return nil, err
	}
	if err := a.store.IndexTimeout(ctx, key, approval.ExpiresAt); err != nil {
		return nil, err
	}

	expiresUnix := approval.ExpiresAt.Unix()
	approveURL := a.signer.decisionURL("approve", act.Namespace, act.Tenant, approval.ApprovalID, expiresUnix)
	rejectURL := a.signer.decisionURL("reject", act.Namespace, act.Tenant, approval.ApprovalID, expiresUnix)

	notified := a.notify(ctx, act, approval, cfg, approveURL, rejectURL)

	event := events.NewEvent(events.ApprovalRequired, act.Namespace, act.Tenant)
	event.ActionID = act.ID
	event.ActionType = act.ActionType
	event.Payload = map[string]any{
		"approval_id": approval.ApprovalID,
		"rule":        ruleName,
		"expires_at":  approval.ExpiresAt,
	}
	a.publish(event)

	return action.PendingApproval(approval.ApprovalID, approval.ExpiresAt, approveURL, rejectURL, notified), nil
}

// notify sends the decision links through the configured provider.
// Notification failure does not fail the approval; the links remain valid.
func (a *Approvals) notify(ctx context.Context, act *action.Action, approval *Approval, cfg *rules.ApprovalAction, approveURL, rejectURL string) bool {
	if cfg.NotifyProvider == "" || a.invoker == nil {
		return false
	}
	message := cfg.Message
	if message == "" {
		message = fmt.Sprintf("approval required for %s/%s action %s", act.Namespace, act.Tenant, act.ActionType)
	}
	notice := action.New(act.Namespace, act.Tenant, cfg.NotifyProvider, "approval.request", map[string]any{
		"approval_id": approval.ApprovalID,
		"message":     message,
		"approve_url": approveURL,
		"reject_url":  rejectURL,
		"expires_at":  approval.ExpiresAt,
		"action": map[string]any{
			"id":          act.ID,
			"action_type": act.ActionType,
			"provider":    act.Provider,
		},
	})
	notice.TraceContext = act.TraceContext

	outcome, err := a.invoker.Execute(ctx, notice, cfg.NotifyProvider)
	if err != nil {
		a.logger.Warn("approval notification cancelled", log.ActionIDKey, act.ID, log.Error(err))
		return false
	}
	if outcome.Type != action.OutcomeExecuted {
		a.logger.Warn("approval notification not delivered",
			log.ActionIDKey, act.ID,
			log.ProviderKey, cfg.NotifyProvider,
			log.OutcomeKey, string(outcome.Type))
		return false
	}
	return true
}

// Get returns one approval.
func (a *Approvals) Get(ctx context.Context, namespace, tenant, approvalID string) (*Approval, error) {
	approval, _, err := a.load(ctx, approvalKey(namespace, tenant, approvalID))
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	return approval, nil
}

// List returns every live approval in the scope, newest first.
func (a *Approvals) List(ctx context.Context, namespace, tenant string) ([]Approval, error) {
	keys, err := a.store.ScanKeys(ctx, namespace, tenant, state.KindApproval, "")
	if err != nil {
		return nil, err
	}
	approvals := make([]Approval, 0, len(keys))
	for _, key := range keys {
		approval, _, err := a.load(ctx, key)
		if err != nil || approval == nil {
			continue
		}
		approvals = append(approvals, *approval)
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.After(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// Execute approves and re-dispatches. The CAS on the approval record is
// what makes re-dispatch exactly-once: only the caller that wins the
// pending->approved transition invokes the redispatcher.
func (a *Approvals) Execute(ctx context.Context, namespace, tenant, approvalID, sig string, expiresAt int64, kid string, redispatch Redispatcher) (*action.Outcome, error) {
	now := a.now().UTC()
	if err := a.signer.Verify(namespace, tenant, approvalID, expiresAt, kid, sig, now); err != nil {
		return nil, err
	}

	approval, err := a.decide(ctx, namespace, tenant, approvalID, ApprovalApproved)
	if err != nil {
		return nil, err
	}

	a.resolved(approval, namespace, tenant)

	// The approval rule is skipped so the gate does not re-arm.
	return redispatch(ctx, approval.Action, approval.RuleName)
}

// Reject resolves the approval negatively. The original action never runs.
func (a *Approvals) Reject(ctx context.Context, namespace, tenant, approvalID, sig string, expiresAt int64, kid string) (*Approval, error) {
	now := a.now().UTC()
	if err := a.signer.Verify(namespace, tenant, approvalID, expiresAt, kid, sig, now); err != nil {
		return nil, err
	}

	approval, err := a.decide(ctx, namespace, tenant, approvalID, ApprovalRejected)
	if err != nil {
		return nil, err
	}

	a.resolved(approval, namespace, tenant)
	return approval, nil
}

// decide performs the pending->status transition with CAS; losers get a
// conflict naming the already-recorded status.
func (a *Approvals) decide(ctx context.Context, namespace, tenant, approvalID string, status ApprovalStatus) (*Approval, error) {
	key := approvalKey(namespace, tenant, approvalID)
	approval, version, err := a.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	// An expired approval reads as gone; anything else already decided wins.
	if approval.Status == ApprovalExpired {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	if approval.Status != ApprovalPending {
		return nil, &errors.ConflictError{
			Resource: "approval",
			Message:  fmt.Sprintf("already decided: %s", approval.Status),
		}
	}

	now := a.now().UTC()
	approval.Status = status
	approval.DecidedAt = &now

	raw, err := json.Marshal(approval)
	if err != nil {
		return nil, err
	}
	if _, err := a.store.CompareAndSwap(ctx, key, version, string(raw), 0); err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			return nil, &errors.ConflictError{Resource: "approval", Message: "already decided"}
		}
		return nil, err
	}
	if err := a.store.RemoveTimeoutIndex(ctx, key); err != nil {
		a.logger.Warn("approval timeout index cleanup failed", log.Error(err))
	}
	return approval, nil
}

// Expire transitions a past-due pending approval to expired. Called by the
// timer loop with the approval's state key.
func (a *Approvals) Expire(ctx context.Context, key string) error {
	approval, version, err := a.load(ctx, key)
	if err != nil {
		return err
	}
	if approval == nil || approval.Status != ApprovalPending {
		return a.store.RemoveTimeoutIndex(ctx, key)
	}
	if a.now().UTC().Before(approval.ExpiresAt) {
		return nil
	}

	now := a.now().UTC()
	approval.Status = ApprovalExpired
	approval.DecidedAt = &now

	raw, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	if _, err := a.store.CompareAndSwap(ctx, key, version, string(raw), 0); err != nil {
		// A concurrent decision won; the index entry goes away either way.
		var conflict *errors.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	if err := a.store.RemoveTimeoutIndex(ctx, key); err != nil {
		return err
	}

	event := events.NewEvent(events.ApprovalResolved, approval.Action.Namespace, approval.Action.Tenant)
	event.ActionID = approval.Action.ID
	event.Payload = map[string]any{
		"approval_id": approval.ApprovalID,
		"status":      ApprovalExpired,
	}
	a.publish(event)
	return nil
}

func (a *Approvals) resolved(approval *Approval, namespace, tenant string) {
	event := events.NewEvent(events.ApprovalResolved, namespace, tenant)
	event.ActionID = approval.Action.ID
	event.Payload = map[string]any{
		"approval_id": approval.ApprovalID,
		"status":      approval.Status,
		"rule":        approval.RuleName,
	}
	a.publish(event)
}

func (a *Approvals) publish(event events.StreamEvent) {
	if a.bus != nil {
		a.bus.Publish(event)
	}
}

func (a *Approvals) load(ctx context.Context, key string) (*Approval, uint64, error) {
	raw, version, ok, err := a.store.GetVersioned(ctx, key)
	if err != nil || !ok {
		return nil, 0, err
	}
	var approval Approval
	if err := json.Unmarshal([]byte(raw), &approval); err != nil {
		return nil, 0, errors.Wrap(err, "corrupt approval state")
	}
	return &approval, version, nil
}

func (a *Approvals) persist(ctx context.Context, key string, approval *Approval, ttl time.Duration) error {
	raw, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, key, string(raw), ttl)
}
