package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxflow/inboxflow/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveExecution(ctx context.Context, rec state.ExecutionRecord) error {
	if rec.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if rec.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt == nil {
		rec.CreatedAt = &now
	}
	if rec.UpdatedAt == nil {
		rec.UpdatedAt = &now
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO executions (
  execution_id, owner, message_id, status, outcome, error, deadline, metadata, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
  owner=excluded.owner,
  message_id=excluded.message_id,
  status=excluded.status,
  outcome=excluded.outcome,
  error=excluded.error,
  deadline=excluded.deadline,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		rec.ExecutionID,
		rec.Owner,
		rec.MessageID,
		rec.Status,
		rec.Outcome,
		rec.Error,
		toNullableTime(rec.Deadline),
		string(metaRaw),
		toNullableTime(rec.CreatedAt),
		toNullableTime(rec.UpdatedAt),
		toNullableTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, executionID string) (state.ExecutionRecord, error) {
	if strings.TrimSpace(executionID) == "" {
		return state.ExecutionRecord{}, fmt.Errorf("execution_id is required")
	}

	const q = `
SELECT execution_id, owner, message_id, status, outcome, error, deadline, metadata, created_at, updated_at, completed_at
FROM executions
WHERE execution_id = ?;
`
	var (
		rec          state.ExecutionRecord
		deadlineRaw  sql.NullString
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, executionID).Scan(
		&rec.ExecutionID,
		&rec.Owner,
		&rec.MessageID,
		&rec.Status,
		&rec.Outcome,
		&rec.Error,
		&deadlineRaw,
		&metadataRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ExecutionRecord{}, state.ErrNotFound
		}
		return state.ExecutionRecord{}, fmt.Errorf("failed to load execution: %w", err)
	}
	return decodeExecutionRow(rec, deadlineRaw, metadataRaw, createdRaw, updatedRaw, completedRaw)
}

func (s *Store) ListExecutions(ctx context.Context, query state.ListQuery) ([]state.ExecutionRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, query.Owner)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}
	if query.DeadlineBefore != "" {
		where = append(where, "deadline IS NOT NULL AND deadline <= ?")
		args = append(args, query.DeadlineBefore)
	}

	sqlText := `
SELECT execution_id, owner, message_id, status, outcome, error, deadline, metadata, created_at, updated_at, completed_at
FROM executions
`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := make([]state.ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			rec          state.ExecutionRecord
			deadlineRaw  sql.NullString
			metadataRaw  string
			createdRaw   string
			updatedRaw   string
			completedRaw sql.NullString
		)
		if err := rows.Scan(
			&rec.ExecutionID,
			&rec.Owner,
			&rec.MessageID,
			&rec.Status,
			&rec.Outcome,
			&rec.Error,
			&deadlineRaw,
			&metadataRaw,
			&createdRaw,
			&updatedRaw,
			&completedRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		decoded, err := decodeExecutionRow(rec, deadlineRaw, metadataRaw, createdRaw, updatedRaw, completedRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if checkpoint.Seq <= 0 {
		return fmt.Errorf("seq must be > 0")
	}
	if checkpoint.Node == "" {
		checkpoint.Node = "unknown"
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	stateRaw, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	const q = `
INSERT INTO checkpoints (execution_id, seq, node, state, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		checkpoint.ExecutionID,
		checkpoint.Seq,
		checkpoint.Node,
		string(stateRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, executionID string) (state.CheckpointRecord, error) {
	if executionID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("execution_id is required")
	}

	const q = `
SELECT execution_id, seq, node, state, created_at
FROM checkpoints
WHERE execution_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	var (
		record       state.CheckpointRecord
		stateRaw     string
		createdAtRaw string
	)
	err := s.db.QueryRowContext(ctx, q, executionID).Scan(
		&record.ExecutionID,
		&record.Seq,
		&record.Node,
		&stateRaw,
		&createdAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	record.CreatedAt, err = parseRequiredTime(createdAtRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string, limit int) ([]state.CheckpointRecord, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT execution_id, seq, node, state, created_at
FROM checkpoints
WHERE execution_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		var (
			record       state.CheckpointRecord
			stateRaw     string
			createdAtRaw string
		)
		if err := rows.Scan(
			&record.ExecutionID,
			&record.Seq,
			&record.Node,
			&stateRaw,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		record.CreatedAt, err = parseRequiredTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint time: %w", err)
		}
		if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeExecutionRow(
	base state.ExecutionRecord,
	deadlineRaw sql.NullString,
	metadataRaw string,
	createdRaw string,
	updatedRaw string,
	completedRaw sql.NullString,
) (state.ExecutionRecord, error) {
	if strings.TrimSpace(metadataRaw) == "" {
		base.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &base.Metadata); err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("failed to decode execution metadata: %w", err)
	}
	if deadlineRaw.Valid && strings.TrimSpace(deadlineRaw.String) != "" {
		deadline, err := parseRequiredTime(deadlineRaw.String)
		if err != nil {
			return state.ExecutionRecord{}, fmt.Errorf("failed to parse execution deadline: %w", err)
		}
		base.Deadline = &deadline
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("failed to parse execution created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("failed to parse execution updated_at: %w", err)
	}
	base.CreatedAt = &created
	base.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.ExecutionRecord{}, fmt.Errorf("failed to parse execution completed_at: %w", err)
		}
		base.CompletedAt = &completed
	}
	return base, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
