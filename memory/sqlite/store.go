package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxflow/inboxflow/memory"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
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

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
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
	db.SetMaxOpenConns(1)
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

func (s *Store) Get(ctx context.Context, owner string, category memory.Category, key string) (memory.Record, error) {
	if owner == "" || key == "" {
		return memory.Record{}, fmt.Errorf("owner and key are required")
	}

	const q = `
SELECT owner, category, key, value, version, updated_at
FROM memory_records
WHERE owner = ? AND category = ? AND key = ?;
`
	var (
		rec        memory.Record
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, owner, string(category), key).Scan(
		&rec.Owner,
		&rec.Category,
		&rec.Key,
		&rec.Value,
		&rec.Version,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.Record{}, memory.ErrNotFound
		}
		return memory.Record{}, fmt.Errorf("failed to load memory record: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw)
	if err != nil {
		return memory.Record{}, fmt.Errorf("failed to parse memory updated_at: %w", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Put overwrites the record in a single statement so concurrent
// writers resolve last-writer-wins at the record granularity.
func (s *Store) Put(ctx context.Context, owner string, category memory.Category, key, value string) (int, error) {
	if owner == "" || key == "" {
		return 0, fmt.Errorf("owner and key are required")
	}

	const q = `
INSERT INTO memory_records (owner, category, key, value, version, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(owner, category, key) DO UPDATE SET
  value=excluded.value,
  version=memory_records.version+1,
  updated_at=excluded.updated_at
RETURNING version;
`
	var version int
	err := s.db.QueryRowContext(
		ctx,
		q,
		owner,
		string(category),
		key,
		value,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to put memory record: %w", err)
	}
	return version, nil
}

func (s *Store) List(ctx context.Context, owner string, category memory.Category) ([]memory.Record, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	var (
		where = []string{"owner = ?"}
		args  = []any{owner}
	)
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, string(category))
	}
	q := `
SELECT owner, category, key, value, version, updated_at
FROM memory_records
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY category, key;
`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory records: %w", err)
	}
	defer rows.Close()

	out := make([]memory.Record, 0)
	for rows.Next() {
		var (
			rec        memory.Record
			updatedRaw string
		)
		if err := rows.Scan(&rec.Owner, &rec.Category, &rec.Key, &rec.Value, &rec.Version, &updatedRaw); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse memory updated_at: %w", err)
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory records: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
