package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_result TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			conversation JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks (updated_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, snap Snapshot) error {
	conv, err := json.Marshal(snap.Conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, last_result, work_dir, conversation, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			last_result=EXCLUDED.last_result,
			work_dir=EXCLUDED.work_dir,
			conversation=EXCLUDED.conversation,
			updated_at=EXCLUDED.updated_at`,
		snap.ID,
		string(snap.Status),
		snap.LastResult,
		snap.WorkDir,
		conv,
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, last_result, work_dir, conversation, created_at, updated_at
		   FROM tasks WHERE id=$1`,
		taskID,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Snapshot{}, ErrStoreNotFound
		}
		return Snapshot{}, fmt.Errorf("get task: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, last_result, work_dir, conversation, created_at, updated_at
		   FROM tasks ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		snap   Snapshot
		status string
		conv   []byte
	)
	if err := row.Scan(
		&snap.ID,
		&status,
		&snap.LastResult,
		&snap.WorkDir,
		&conv,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	); err != nil {
		return Snapshot{}, err
	}
	snap.Status = Status(status)
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &snap.Conversation); err != nil {
			return Snapshot{}, fmt.Errorf("decode conversation: %w", err)
		}
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
