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
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id              TEXT PRIMARY KEY,
	action_id       TEXT NOT NULL,
	chain_id        TEXT,
	namespace       TEXT NOT NULL,
	tenant          TEXT NOT NULL,
	provider        TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	verdict         TEXT NOT NULL,
	matched_rule    TEXT,
	outcome         TEXT NOT NULL,
	action_payload  TEXT,
	verdict_details TEXT,
	outcome_details TEXT,
	metadata        TEXT,
	dispatched_at   INTEGER NOT NULL,
	completed_at    INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL,
	expires_at      INTEGER,
	caller_id       TEXT,
	auth_method     TEXT,
	record_hash     TEXT,
	previous_hash   TEXT,
	sequence_number INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_scope ON audit_records (namespace, tenant, dispatched_at);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_records (action_id);
CREATE INDEX IF NOT EXISTS idx_audit_expiry ON audit_records (expires_at);
`

// SQLiteOptions configure the durable sink.
type SQLiteOptions struct {
	// Path is the database file; ":memory:" keeps it in RAM.
	Path string

	// HashChain enables tamper-evidence hashing.
	HashChain bool

	// BufferSize is the submit queue depth. Defaults to 1024.
	BufferSize int
}

// SQLiteSink persists records to a local SQLite database. SQLite allows
// one writer at a time, so all inserts flow through a single goroutine,
// which also serializes the hash chain.
type SQLiteSink struct {
	opts   SQLiteOptions
	db     *sql.DB
	logger *slog.Logger

	submitCh  chan *Record
	barrierCh chan chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	lastHash string
	nextSeq  uint64
}

// NewSQLiteSink opens (and migrates) the database and starts the writer.
func NewSQLiteSink(opts SQLiteOptions, logger *slog.Logger) (*SQLiteSink, error) {
	if opts.Path == "" {
		return nil, &errors.ConfigError{Key: "audit.path", Reason: "sqlite sink needs a database path"}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit database")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate audit schema")
	}

	s := &SQLiteSink{
		opts:      opts,
		db:        db,
		logger:    logger,
		submitCh:  make(chan *Record, opts.BufferSize),
		barrierCh: make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		nextSeq:   1,
	}
	if opts.HashChain {
		if err := s.resumeChain(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	go s.run()
	return s, nil
}

// resumeChain picks the hash chain up where a previous process left it.
func (s *SQLiteSink) resumeChain() error {
	row := s.db.QueryRow(`SELECT record_hash, sequence_number FROM audit_records
		WHERE sequence_number IS NOT NULL ORDER BY sequence_number DESC LIMIT 1`)
	var hash sql.NullString
	var seq sql.NullInt64
	err := row.Scan(&hash, &seq)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "resume audit hash chain")
	}
	s.lastHash = hash.String
	s.nextSeq = uint64(seq.Int64) + 1
	return nil
}

func (s *SQLiteSink) run() {
	defer close(s.doneCh)
	for {
		select {
		case r := <-s.submitCh:
			s.insert(r)
		case barrier := <-s.barrierCh:
			s.drain()
			close(barrier)
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

func (s *SQLiteSink) drain() {
	for {
		select {
		case r := <-s.submitCh:
			s.insert(r)
		default:
			return
		}
	}
}

func jsonOrNull(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func (s *SQLiteSink) insert(r *Record) {
	entry := *r
	if s.opts.HashChain {
		entry.PreviousHash = s.lastHash
		entry.SequenceNumber = s.nextSeq
		entry.RecordHash = chainHash(s.lastHash, &entry)
	}

	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = entry.ExpiresAt.UnixMilli()
	}
	var matchedRule any
	if entry.MatchedRule != nil {
		matchedRule = *entry.MatchedRule
	}
	var seq, recordHash, prevHash any
	if s.opts.HashChain {
		seq = int64(entry.SequenceNumber)
		recordHash = entry.RecordHash
		prevHash = entry.PreviousHash
	}

	_, err := s.db.Exec(`INSERT INTO audit_records (
		id, action_id, chain_id, namespace, tenant, provider, action_type,
		verdict, matched_rule, outcome, action_payload, verdict_details,
		outcome_details, metadata, dispatched_at, completed_at, duration_ms,
		expires_at, caller_id, auth_method, record_hash, previous_hash,
		sequence_number
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.ActionID, entry.ChainID, entry.Namespace, entry.Tenant,
		entry.Provider, entry.ActionType, entry.Verdict, matchedRule,
		entry.Outcome, jsonOrNull(entry.ActionPayload), jsonOrNull(entry.VerdictDetails),
		jsonOrNull(entry.OutcomeDetails), jsonOrNull(entry.Metadata),
		entry.DispatchedAt.UnixMilli(), entry.CompletedAt.UnixMilli(),
		entry.DurationMs, expiresAt, entry.CallerID, entry.AuthMethod,
		recordHash, prevHash, seq,
	)
	if err != nil {
		s.logger.Error("audit insert failed", log.ActionIDKey, entry.ActionID, log.Error(err))
		return
	}
	if s.opts.HashChain {
		s.lastHash = entry.RecordHash
		s.nextSeq++
	}
}

// Record implements Sink. Full queues drop the entry.
func (s *SQLiteSink) Record(r *Record) {
	select {
	case s.submitCh <- r:
	default:
		s.logger.Warn("audit queue full, dropping record", log.ActionIDKey, r.ActionID)
	}
}

// Flush implements Sink.
func (s *SQLiteSink) Flush() {
	barrier := make(chan struct{})
	select {
	case s.barrierCh <- barrier:
		<-barrier
	case <-s.doneCh:
	}
}

// Query implements Sink, newest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) (*Page, error) {
	var where []string
	var args []any
	add := func(clause string, value any) {
		where = append(where, clause)
		args = append(args, value)
	}
	if f.ActionID != "" {
		add("action_id = ?", f.ActionID)
	}
	if f.Namespace != "" {
		add("namespace = ?", f.Namespace)
	}
	if f.Tenant != "" {
		add("tenant = ?", f.Tenant)
	}
	if f.Provider != "" {
		add("provider = ?", f.Provider)
	}
	if f.ActionType != "" {
		add("action_type = ?", f.ActionType)
	}
	if f.Verdict != "" {
		add("verdict = ?", f.Verdict)
	}
	if f.Outcome != "" {
		add("outcome = ?", f.Outcome)
	}
	if f.MatchedRule != "" {
		add("matched_rule = ?", f.MatchedRule)
	}
	if f.ChainID != "" {
		add("chain_id = ?", f.ChainID)
	}
	if f.CallerID != "" {
		add("caller_id = ?", f.CallerID)
	}
	if f.Since != nil {
		add("dispatched_at >= ?", f.Since.UnixMilli())
	}
	if f.Until != nil {
		add("dispatched_at <= ?", f.Until.UnixMilli())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+clause, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "count audit records")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action_id, chain_id, namespace, tenant, provider,
		action_type, verdict, matched_rule, outcome, action_payload,
		verdict_details, outcome_details, metadata, dispatched_at,
		completed_at, duration_ms, expires_at, caller_id, auth_method,
		record_hash, previous_hash, sequence_number
		FROM audit_records` + clause + ` ORDER BY dispatched_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "query audit records")
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate audit records")
	}
	return &Page{Records: records, Total: total, Limit: int64(limit), Offset: int64(f.Offset)}, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var r Record
	var chainID, matchedRule, payload, verdictDetails, outcomeDetails, metadata sql.NullString
	var callerID, authMethod, recordHash, prevHash sql.NullString
	var dispatchedAt, completedAt int64
	var expiresAt, seq sql.NullInt64

	err := rows.Scan(&r.ID, &r.ActionID, &chainID, &r.Namespace, &r.Tenant,
		&r.Provider, &r.ActionType, &r.Verdict, &matchedRule, &r.Outcome,
		&payload, &verdictDetails, &outcomeDetails, &metadata,
		&dispatchedAt, &completedAt, &r.DurationMs, &expiresAt,
		&callerID, &authMethod, &recordHash, &prevHash, &seq)
	if err != nil {
		return nil, errors.Wrap(err, "scan audit record")
	}

	r.ChainID = chainID.String
	if matchedRule.Valid {
		v := matchedRule.String
		r.MatchedRule = &v
	}
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &r.ActionPayload)
	}
	if verdictDetails.Valid {
		_ = json.Unmarshal([]byte(verdictDetails.String), &r.VerdictDetails)
	}
	if outcomeDetails.Valid {
		_ = json.Unmarshal([]byte(outcomeDetails.String), &r.OutcomeDetails)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &r.Metadata)
	}
	r.DispatchedAt = time.UnixMilli(dispatchedAt).UTC()
	r.CompletedAt = time.UnixMilli(completedAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		r.ExpiresAt = &t
	}
	r.CallerID = callerID.String
	r.AuthMethod = authMethod.String
	r.RecordHash = recordHash.String
	r.PreviousHash = prevHash.String
	if seq.Valid {
		r.SequenceNumber = uint64(seq.Int64)
	}
	return &r, nil
}

// Cleanup implements Sink.
func (s *SQLiteSink) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_records WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "cleanup audit records")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}
