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

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/penserai/acteon/internal/log"
)

// MemoryOptions configure the in-memory sink.
type MemoryOptions struct {
	// HashChain links records with a tamper-evidence hash and assigns
	// strict sequence numbers.
	HashChain bool

	// BufferSize is the submit queue depth; records are dropped when the
	// queue is full. Defaults to 1024.
	BufferSize int

	// MaxRecords caps retained entries; the oldest are evicted first.
	// Defaults to 100000.
	MaxRecords int
}

// MemorySink retains records in process memory. A single writer goroutine
// applies submissions in order, which is what makes the hash chain strict.
type MemorySink struct {
	opts   MemoryOptions
	logger *slog.Logger

	submitCh  chan *Record
	barrierCh chan chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu       sync.RWMutex
	records  []Record
	lastHash string
	nextSeq  uint64
}

// NewMemorySink starts the sink's writer goroutine.
func NewMemorySink(opts MemoryOptions, logger *slog.Logger) *MemorySink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 100000
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemorySink{
		opts:      opts,
		logger:    logger,
		submitCh:  make(chan *Record, opts.BufferSize),
		barrierCh: make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		nextSeq:   1,
	}
	go s.run()
	return s
}

func (s *MemorySink) run() {
	defer close(s.doneCh)
	for {
		select {
		case r := <-s.submitCh:
			s.append(r)
		case barrier := <-s.barrierCh:
			s.drain()
			close(barrier)
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain applies everything already queued.
func (s *MemorySink) drain() {
	for {
		select {
		case r := <-s.submitCh:
			s.append(r)
		default:
			return
		}
	}
}

func (s *MemorySink) append(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *r
	if s.opts.HashChain {
		entry.PreviousHash = s.lastHash
		entry.SequenceNumber = s.nextSeq
		entry.RecordHash = chainHash(s.lastHash, &entry)
		s.lastHash = entry.RecordHash
		s.nextSeq++
	}
	s.records = append(s.records, entry)
	if len(s.records) > s.opts.MaxRecords {
		s.records = s.records[len(s.records)-s.opts.MaxRecords:]
	}
}

// Record implements Sink. Full queues drop the entry.
func (s *MemorySink) Record(r *Record) {
	select {
	case s.submitCh <- r:
	default:
		s.logger.Warn("audit queue full, dropping record", log.ActionIDKey, r.ActionID)
	}
}

// Flush implements Sink.
func (s *MemorySink) Flush() {
	barrier := make(chan struct{})
	select {
	case s.barrierCh <- barrier:
		<-barrier
	case <-s.doneCh:
	}
}

// Query implements Sink, newest first.
func (s *MemorySink) Query(_ context.Context, f Filter) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if f.Matches(&s.records[i]) {
			matched = append(matched, s.records[i])
		}
	}

	total := int64(len(matched))
	offset := f.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit < len(matched) {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []Record{}
	}
	return &Page{Records: matched, Total: total, Limit: int64(limit), Offset: int64(offset)}, nil
}

// Cleanup implements Sink.
func (s *MemorySink) Cleanup(context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}
