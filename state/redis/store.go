package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inboxflow/inboxflow/state"
)

const (
	defaultTTL    = 7 * 24 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "inboxflow"
)

// Store keeps executions and checkpoints in Redis. Suspended
// executions routinely outlive a process, so the default TTL is
// generous; tune it below the mail retention window, not above.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
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
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	execKey := s.execKey(rec.ExecutionID)
	ownerIdx := s.ownerIndexKey(rec.Owner)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey, string(raw), s.ttl)
	pipe.ZAdd(ctx, ownerIdx, goredis.Z{
		Score:  float64(rec.UpdatedAt.Unix()),
		Member: rec.ExecutionID,
	})
	pipe.Expire(ctx, ownerIdx, s.ttl)
	if rec.Status == "suspended" && rec.Deadline != nil {
		pipe.ZAdd(ctx, s.deadlineIndexKey(), goredis.Z{
			Score:  float64(rec.Deadline.Unix()),
			Member: rec.ExecutionID,
		})
	} else {
		pipe.ZRem(ctx, s.deadlineIndexKey(), rec.ExecutionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save execution in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, executionID string) (state.ExecutionRecord, error) {
	if executionID == "" {
		return state.ExecutionRecord{}, fmt.Errorf("execution_id is required")
	}

	raw, err := s.client.Get(ctx, s.execKey(executionID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.ExecutionRecord{}, state.ErrNotFound
		}
		return state.ExecutionRecord{}, fmt.Errorf("failed to load execution from redis: %w", err)
	}

	var rec state.ExecutionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("failed to decode execution from redis: %w", err)
	}
	return rec, nil
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

	ids := make([]string, 0, limit)
	switch {
	case query.DeadlineBefore != "":
		cutoff, err := time.Parse(time.RFC3339Nano, query.DeadlineBefore)
		if err != nil {
			return nil, fmt.Errorf("invalid deadline bound %q: %w", query.DeadlineBefore, err)
		}
		values, err := s.client.ZRangeByScore(ctx, s.deadlineIndexKey(), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    fmt.Sprintf("%d", cutoff.Unix()),
			Offset: int64(offset),
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list executions by deadline: %w", err)
		}
		ids = append(ids, values...)
	case query.Owner != "":
		values, err := s.client.ZRevRange(ctx, s.ownerIndexKey(query.Owner), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list execution ids by owner: %w", err)
		}
		ids = append(ids, values...)
	default:
		var cursor uint64
		match := s.execPattern()
		for len(ids) < limit {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis execution keys: %w", err)
			}
			for _, key := range keys {
				if id := s.execIDFromKey(key); id != "" {
					ids = append(ids, id)
				}
				if len(ids) >= limit {
					break
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if len(ids) == 0 {
		return []state.ExecutionRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.execKey(id)
	}

	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget executions from redis: %w", err)
	}

	out := make([]state.ExecutionRecord, 0, len(loaded))
	for _, raw := range loaded {
		if raw == nil {
			continue
		}
		var rec state.ExecutionRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &rec); err != nil {
			continue
		}
		if query.Status != "" && rec.Status != query.Status {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		left := time.Time{}
		if out[i].UpdatedAt != nil {
			left = *out[i].UpdatedAt
		}
		right := time.Time{}
		if out[j].UpdatedAt != nil {
			right = *out[j].UpdatedAt
		}
		return left.After(right)
	})

	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	seqKey := s.checkpointSeqKey(checkpoint.ExecutionID, checkpoint.Seq)
	ok, err := s.client.SetNX(ctx, seqKey, string(raw), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if !ok {
		return state.ErrConflict
	}

	latestKey := s.latestCheckpointKey(checkpoint.ExecutionID)
	latestRaw, err := s.client.Get(ctx, latestKey).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	updateLatest := true
	if err == nil && latestRaw != "" {
		var latest state.CheckpointRecord
		if json.Unmarshal([]byte(latestRaw), &latest) == nil && latest.Seq > checkpoint.Seq {
			updateLatest = false
		}
	}
	if updateLatest {
		if err := s.client.Set(ctx, latestKey, string(raw), s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set latest checkpoint: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, executionID string) (state.CheckpointRecord, error) {
	if executionID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("execution_id is required")
	}

	raw, err := s.client.Get(ctx, s.latestCheckpointKey(executionID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	var checkpoint state.CheckpointRecord
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string, limit int) ([]state.CheckpointRecord, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	pattern := s.checkpointSeqPattern(executionID)
	var (
		cursor uint64
		keys   []string
	)
	for len(keys) < limit {
		found, next, err := s.client.Scan(ctx, cursor, pattern, int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []state.CheckpointRecord{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var checkpoint state.CheckpointRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &checkpoint); err != nil {
			continue
		}
		out = append(out, checkpoint)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) execKey(executionID string) string {
	return fmt.Sprintf("%s:exec:%s", s.prefix, executionID)
}

func (s *Store) execPattern() string {
	return fmt.Sprintf("%s:exec:*", s.prefix)
}

func (s *Store) execIDFromKey(key string) string {
	prefix := fmt.Sprintf("%s:exec:", s.prefix)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (s *Store) ownerIndexKey(owner string) string {
	return fmt.Sprintf("%s:execidx:owner:%s", s.prefix, owner)
}

func (s *Store) deadlineIndexKey() string {
	return fmt.Sprintf("%s:execidx:deadline", s.prefix)
}

func (s *Store) latestCheckpointKey(executionID string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s", s.prefix, executionID)
}

func (s *Store) checkpointSeqKey(executionID string, seq int) string {
	return fmt.Sprintf("%s:ckpt:%s:%d", s.prefix, executionID, seq)
}

func (s *Store) checkpointSeqPattern(executionID string) string {
	return fmt.Sprintf("%s:ckpt:%s:*", s.prefix, executionID)
}
