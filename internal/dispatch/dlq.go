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

package dispatch

import (
	"sync"
	"time"
)

// DLQEntry is one terminally failed dispatch.
type DLQEntry struct {
	ActionID   string    `json:"action_id"`
	Namespace  string    `json:"namespace"`
	Tenant     string    `json:"tenant"`
	Provider   string    `json:"provider"`
	ActionType string    `json:"action_type"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// DLQStats summarizes the queue.
type DLQStats struct {
	Depth   int        `json:"depth"`
	Dropped uint64     `json:"dropped"`
	Oldest  *time.Time `json:"oldest,omitempty"`
	Newest  *time.Time `json:"newest,omitempty"`
}

// DLQ is a bounded in-memory dead-letter queue of terminal failures. When
// full, the oldest entries are dropped; durability belongs to the audit
// sink, the DLQ is an operator convenience.
type DLQ struct {
	mu      sync.Mutex
	entries []DLQEntry
	max     int
	dropped uint64
}

// NewDLQ creates a queue holding at most max entries (default 1000).
func NewDLQ(max int) *DLQ {
	if max <= 0 {
		max = 1000
	}
	return &DLQ{max: max}
}

// Push appends an entry, evicting the oldest on overflow.
func (q *DLQ) Push(entry DLQEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	if len(q.entries) > q.max {
		over := len(q.entries) - q.max
		q.entries = q.entries[over:]
		q.dropped += uint64(over)
	}
}

// Depth returns the current queue length.
func (q *DLQ) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats summarizes the queue without draining it.
func (q *DLQ) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := DLQStats{Depth: len(q.entries), Dropped: q.dropped}
	if len(q.entries) > 0 {
		oldest := q.entries[0].Timestamp
		newest := q.entries[len(q.entries)-1].Timestamp
		stats.Oldest = &oldest
		stats.Newest = &newest
	}
	return stats
}

// Drain removes and returns every queued entry, oldest first.
func (q *DLQ) Drain() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	if out == nil {
		out = []DLQEntry{}
	}
	return out
}
