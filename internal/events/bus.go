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

// Package events is the in-process broadcast bus. Durability lives in the
// audit sink; the bus is deliberately best-effort and slow subscribers
// lose events.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType labels what happened.
type EventType string

const (
	ActionDispatched   EventType = "action_dispatched"
	GroupFlushed       EventType = "group_flushed"
	GroupEventAdded    EventType = "group_event_added"
	GroupResolved      EventType = "group_resolved"
	ChainStepCompleted EventType = "chain_step_completed"
	ChainAdvanced      EventType = "chain_advanced"
	ChainCompleted     EventType = "chain_completed"
	ApprovalRequired   EventType = "approval_required"
	ApprovalResolved   EventType = "approval_resolved"
	ScheduledActionDue EventType = "scheduled_action_due"
	QuotaExceeded      EventType = "quota_exceeded"
	Timeout            EventType = "timeout"
	Unknown            EventType = "unknown"
)

// StreamEvent is one bus message.
type StreamEvent struct {
	ID         string         `json:"id"`
	Namespace  string         `json:"namespace"`
	Tenant     string         `json:"tenant"`
	ActionID   string         `json:"action_id,omitempty"`
	ActionType string         `json:"action_type,omitempty"`
	EventType  EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// NewEvent stamps identity and time onto an event.
func NewEvent(eventType EventType, namespace, tenant string) StreamEvent {
	return StreamEvent{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Tenant:    tenant,
		EventType: eventType,
		EmittedAt: time.Now().UTC(),
	}
}

// Subscription is one subscriber's receive end. Events published after
// Subscribe arrive on C until Cancel.
type Subscription struct {
	C      <-chan StreamEvent
	id     uint64
	bus    *Bus
	cancel sync.Once
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.bus.drop(s.id)
	})
}

type subscriber struct {
	ch chan StreamEvent
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	buffer      int

	dropped uint64
}

// NewBus creates a bus with the given per-subscriber buffer (defaults 64).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe attaches a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{ch: make(chan StreamEvent, b.buffer)}
	b.subscribers[b.nextID] = sub
	return &Subscription{C: sub.ch, id: b.nextID, bus: b}
}

func (b *Bus) drop(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish fans the event out to every current subscriber.
func (b *Bus) Publish(event StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
