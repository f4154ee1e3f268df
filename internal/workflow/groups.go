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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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

// GroupState is the lifecycle of an event group.
type GroupState string

const (
	// GroupPending collects events until notify_at.
	GroupPending GroupState = "pending"
	// GroupNotified has been flushed; it lingers for interval_s as a
	// rate-limit floor before the same key can batch again.
	GroupNotified GroupState = "notified"
)

// GroupedEvent is one batched action inside a group.
type GroupedEvent struct {
	ActionID   string         `json:"action_id"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// EventGroup is the persistent batch for one group key.
type EventGroup struct {
	GroupID      string            `json:"group_id"`
	GroupKey     string            `json:"group_key"`
	Namespace    string            `json:"namespace"`
	Tenant       string            `json:"tenant"`
	Provider     string            `json:"provider"`
	ActionType   string            `json:"action_type"`
	State        GroupState        `json:"state"`
	Events       []GroupedEvent    `json:"events"`
	Labels       map[string]string `json:"labels,omitempty"`
	TraceContext string            `json:"trace_context,omitempty"`
	NotifyAt     time.Time         `json:"notify_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	FlushedAt    *time.Time        `json:"flushed_at,omitempty"`

	// Rule parameters captured at creation so the flush does not need the
	// rule set.
	WaitSecs     int64  `json:"wait_secs"`
	IntervalSecs int64  `json:"interval_secs"`
	MaxSize      int    `json:"max_size,omitempty"`
	Template     string `json:"template,omitempty"`
	ResetOnEvent bool   `json:"reset_on_event,omitempty"`
}

func (g *EventGroup) stateKey() string {
	return state.NewKey(g.Namespace, g.Tenant, state.KindGroup, g.GroupKey).String()
}

func (g *EventGroup) pendingKey() string {
	return state.NewKey(g.Namespace, g.Tenant, state.KindPendingGroups, g.GroupKey).String()
}

// Grouper batches matching actions into event groups and flushes them when
// due. Mutations on one group key are serialized by the distributed lock.
type Grouper struct {
	store   state.Store
	locker  state.Locker
	bus     *events.Bus
	invoker Invoker
	logger  *slog.Logger
	now     func() time.Time
}

// NewGrouper wires a grouper. The invoker executes synthetic flush actions.
func NewGrouper(store state.Store, locker state.Locker, bus *events.Bus, invoker Invoker, logger *slog.Logger) *Grouper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Grouper{
		store:   store,
		locker:  locker,
		bus:     bus,
		invoker: invoker,
		logger:  logger,
		now:     time.Now,
	}
}

// groupKey hashes the group-by fields plus scope so equal field values
// batch together regardless of event ordering.
func groupKey(act *action.Action, by []string) string {
	fields := make([]string, len(by))
	copy(fields, by)
	sort.Strings(fields)

	h := sha256.New()
	h.Write([]byte(act.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(act.Tenant))
	h.Write([]byte{0})
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{'='})
		if v, ok := act.Payload[f]; ok {
			raw, _ := json.Marshal(v)
			h.Write(raw)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Add appends the action to its group, creating the group on first event.
// The provider is not called; the returned outcome is always Grouped.
func (g *Grouper) Add(ctx context.Context, act *action.Action, cfg *rules.GroupAction) (*action.Outcome, error) {
	key := groupKey(act, cfg.By)
	stateKey := state.NewKey(act.Namespace, act.Tenant, state.KindGroup, key).String()

	handle, ok, err := state.AcquireWait(ctx, g.locker, stateKey, lockLease, lockMaxWait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.ConflictError{Resource: "group", Message: "group is locked by another writer"}
	}
	defer handle.Release(ctx)

	now := g.now().UTC()
	grp, err := g.load(ctx, stateKey)
	if err != nil {
		return nil, err
	}

	switch {
	case grp == nil:
		grp = g.newGroup(act, cfg, key, now)
	case grp.State == GroupNotified:
		// Same key batching again after a flush. The previous flush time
		// plus interval_s is the earliest the new batch may notify.
		floor := now
		if grp.FlushedAt != nil {
			if f := grp.FlushedAt.Add(time.Duration(grp.IntervalSecs) * time.Second); f.After(floor) {
				floor = f
			}
		}
		fresh := g.newGroup(act, cfg, key, now)
		fresh.GroupID = grp.GroupID
		if fresh.NotifyAt.Before(floor) {
			fresh.NotifyAt = floor
		}
		grp = fresh
	default:
		grp.Events = append(grp.Events, newGroupedEvent(act, now))
		grp.UpdatedAt = now
		if grp.ResetOnEvent {
			grp.NotifyAt = now.Add(time.Duration(grp.WaitSecs) * time.Second)
		}
	}

	// A full group flushes on the next timer tick.
	if grp.MaxSize > 0 && len(grp.Events) >= grp.MaxSize {
		grp.NotifyAt = now
	}

	if err := g.persist(ctx, grp); err != nil {
		return nil, err
	}
	if err := g.store.IndexTimeout(ctx, stateKey, grp.NotifyAt); err != nil {
		return nil, err
	}

	g.publish(events.GroupEventAdded, grp, act.ID)
	return action.Grouped(grp.GroupID, len(grp.Events), grp.NotifyAt), nil
}

func (g *Grouper) newGroup(act *action.Action, cfg *rules.GroupAction, key string, now time.Time) *EventGroup {
	return &EventGroup{
		GroupID:      uuid.New().String(),
		GroupKey:     key,
		Namespace:    act.Namespace,
		Tenant:       act.Tenant,
		Provider:     act.Provider,
		ActionType:   act.ActionType,
		State:        GroupPending,
		Events:       []GroupedEvent{newGroupedEvent(act, now)},
		Labels:       act.Labels,
		TraceContext: act.TraceContext,
		NotifyAt:     now.Add(time.Duration(cfg.WaitSecs) * time.Second),
		CreatedAt:    now,
		UpdatedAt:    now,
		WaitSecs:     cfg.WaitSecs,
		IntervalSecs: cfg.IntervalSecs,
		MaxSize:      cfg.MaxSize,
		Template:     cfg.Template,
		ResetOnEvent: cfg.ResetOnEvent,
	}
}

func newGroupedEvent(act *action.Action, now time.Time) GroupedEvent {
	return GroupedEvent{
		ActionID:   act.ID,
		ActionType: act.ActionType,
		Payload:    act.Payload,
		Status:     act.Status,
		ReceivedAt: now,
	}
}

// Flush executes a due group: a synthetic action carrying the batched
// events goes to the group's provider, then the group is marked notified
// and retained for interval_s as a re-grouping floor.
func (g *Grouper) Flush(ctx context.Context, stateKey string) error {
	handle, ok, err := state.AcquireWait(ctx, g.locker, stateKey, lockLease, lockMaxWait)
	if err != nil {
		return err
	}
	if !ok {
		return &errors.ConflictError{Resource: "group", Message: "group is locked by another writer"}
	}
	defer handle.Release(ctx)

	grp, err := g.load(ctx, stateKey)
	if err != nil {
		return err
	}
	if grp == nil || grp.State != GroupPending {
		// Already flushed (or expired) by another node.
		return g.store.RemoveTimeoutIndex(ctx, stateKey)
	}

	now := g.now().UTC()
	flush := g.flushAction(grp)
	outcome, err := g.invoker.Execute(ctx, flush, grp.Provider)
	if err != nil {
		return err
	}
	if outcome.Type == action.OutcomeFailed {
		g.logger.Warn("group flush delivery failed",
			log.GroupIDKey, grp.GroupID,
			log.ProviderKey, grp.Provider,
			"error", outcome.Error.Message)
	}

	grp.State = GroupNotified
	grp.FlushedAt = &now
	grp.UpdatedAt = now

	retain := time.Duration(grp.IntervalSecs) * time.Second
	if retain <= 0 {
		retain = time.Minute
	}
	raw, err := json.Marshal(grp)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, stateKey, string(raw), retain); err != nil {
		return err
	}
	if _, err := g.store.Delete(ctx, grp.pendingKey()); err != nil {
		return err
	}
	if err := g.store.RemoveTimeoutIndex(ctx, stateKey); err != nil {
		return err
	}

	g.publish(events.GroupFlushed, grp, flush.ID)
	return nil
}

// flushAction builds the synthetic delivery carrying the whole batch.
func (g *Grouper) flushAction(grp *EventGroup) *action.Action {
	batch := make([]map[string]any, len(grp.Events))
	for i, e := range grp.Events {
		batch[i] = map[string]any{
			"action_id":   e.ActionID,
			"action_type": e.ActionType,
			"payload":     e.Payload,
			"received_at": e.ReceivedAt,
		}
	}
	payload := map[string]any{
		"group_id":  grp.GroupID,
		"group_key": grp.GroupKey,
		"count":     len(grp.Events),
		"events":    batch,
	}
	if grp.Template != "" {
		payload["template"] = grp.Template
	}
	flush := action.New(grp.Namespace, grp.Tenant, grp.Provider, grp.ActionType+".group", payload)
	flush.Labels = grp.Labels
	flush.TraceContext = grp.TraceContext
	return flush
}

// Get returns one group by ID within a scope.
func (g *Grouper) Get(ctx context.Context, namespace, tenant, groupID string) (*EventGroup, error) {
	groups, err := g.List(ctx, namespace, tenant)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].GroupID == groupID {
			return &groups[i], nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "group", ID: groupID}
}

// List returns every live group in the scope, pending first then by
// notify_at.
func (g *Grouper) List(ctx context.Context, namespace, tenant string) ([]EventGroup, error) {
	keys, err := g.store.ScanKeys(ctx, namespace, tenant, state.KindGroup, "")
	if err != nil {
		return nil, err
	}
	groups := make([]EventGroup, 0, len(keys))
	for _, key := range keys {
		grp, err := g.load(ctx, key)
		if err != nil || grp == nil {
			continue
		}
		groups = append(groups, *grp)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].State != groups[j].State {
			return groups[i].State == GroupPending
		}
		return groups[i].NotifyAt.Before(groups[j].NotifyAt)
	})
	return groups, nil
}

// FlushByID flushes a pending group immediately regardless of notify_at.
func (g *Grouper) FlushByID(ctx context.Context, namespace, tenant, groupID string) error {
	grp, err := g.Get(ctx, namespace, tenant, groupID)
	if err != nil {
		return err
	}
	if grp.State != GroupPending {
		return &errors.ConflictError{Resource: "group", Message: "group already flushed"}
	}
	return g.Flush(ctx, grp.stateKey())
}

func (g *Grouper) load(ctx context.Context, stateKey string) (*EventGroup, error) {
	raw, ok, err := g.store.Get(ctx, stateKey)
	if err != nil || !ok {
		return nil, err
	}
	var grp EventGroup
	if err := json.Unmarshal([]byte(raw), &grp); err != nil {
		return nil, errors.Wrap(err, "corrupt group state")
	}
	return &grp, nil
}

func (g *Grouper) persist(ctx context.Context, grp *EventGroup) error {
	raw, err := json.Marshal(grp)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, grp.stateKey(), string(raw), 0); err != nil {
		return err
	}
	return g.store.Set(ctx, grp.pendingKey(), grp.GroupID, 0)
}

func (g *Grouper) publish(eventType events.EventType, grp *EventGroup, actionID string) {
	if g.bus == nil {
		return
	}
	event := events.NewEvent(eventType, grp.Namespace, grp.Tenant)
	event.ActionID = actionID
	event.ActionType = grp.ActionType
	event.Payload = map[string]any{
		"group_id":   grp.GroupID,
		"group_size": len(grp.Events),
		"notify_at":  grp.NotifyAt,
		"state":      grp.State,
	}
	g.bus.Publish(event)
}
