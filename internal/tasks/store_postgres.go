package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

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
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			openclaw_session_key TEXT NOT NULL DEFAULT '',
			dispatch_id TEXT NOT NULL DEFAULT '',
			dispatch_started_at TIMESTAMPTZ NULL,
			dispatch_message_count_start INTEGER NOT NULL DEFAULT 0,
			planning TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author_type TEXT NOT NULL,
			content TEXT NOT NULL,
			blocking BOOLEAN NOT NULL DEFAULT FALSE,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_comments_task_created ON task_comments (task_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, title, description, status, priority, assigned_agent_id,
	openclaw_session_key, dispatch_id, dispatch_started_at, dispatch_message_count_start,
	planning, created_at, updated_at`

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			assigned_agent_id=EXCLUDED.assigned_agent_id,
			openclaw_session_key=EXCLUDED.openclaw_session_key,
			dispatch_id=EXCLUDED.dispatch_id,
			dispatch_started_at=EXCLUDED.dispatch_started_at,
			dispatch_message_count_start=EXCLUDED.dispatch_message_count_start,
			planning=EXCLUDED.planning,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		task.AssignedAgentID,
		task.OpenClawSessionKey,
		task.DispatchID,
		task.DispatchStartedAt,
		task.DispatchMessageCountStart,
		EncodePlanningState(task.Planning),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ANY($1) ORDER BY created_at DESC`,
		[]string{string(StatusAssigned), string(StatusInProgress)},
	)
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateTaskIf(ctx context.Context, taskID string, expect, next Status, patch Patch) (Task, error) {
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Status != expect {
		return Task{}, ErrStatusConflict
	}

	updated := current.Clone()
	updated.Status = next
	patch.Apply(&updated, time.Now().UTC())

	// The WHERE guard makes the write conditional on the previously-read
	// status so a concurrent transition surfaces as a conflict.
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET
			title=$3, description=$4, status=$5, priority=$6, assigned_agent_id=$7,
			openclaw_session_key=$8, dispatch_id=$9, dispatch_started_at=$10,
			dispatch_message_count_start=$11, planning=$12, updated_at=$13
		 WHERE id=$1 AND status=$2`,
		taskID,
		string(expect),
		updated.Title,
		updated.Description,
		string(updated.Status),
		string(updated.Priority),
		updated.AssignedAgentID,
		updated.OpenClawSessionKey,
		updated.DispatchID,
		updated.DispatchStartedAt,
		updated.DispatchMessageCountStart,
		EncodePlanningState(updated.Planning),
		updated.UpdatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("conditional task update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Task{}, ErrStatusConflict
	}
	return updated, nil
}

func (s *PostgresStore) AddComment(ctx context.Context, comment Comment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_comments (id, task_id, author_type, content, blocking, resolved, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		comment.ID,
		comment.TaskID,
		string(comment.AuthorType),
		comment.Content,
		comment.Blocking,
		comment.Resolved,
		comment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, author_type, content, blocking, resolved, created_at
		   FROM task_comments WHERE task_id=$1 ORDER BY created_at`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	out := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		var author string
		if err := rows.Scan(&c.ID, &c.TaskID, &author, &c.Content, &c.Blocking, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment row: %w", err)
		}
		c.AuthorType = AuthorType(author)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE task_comments SET resolved=TRUE WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task            Task
		status          string
		priority        string
		planningRaw     string
		dispatchStarted *time.Time
	)
	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&status,
		&priority,
		&task.AssignedAgentID,
		&task.OpenClawSessionKey,
		&task.DispatchID,
		&dispatchStarted,
		&task.DispatchMessageCountStart,
		&planningRaw,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.Priority = Priority(priority)
	task.DispatchStartedAt = dispatchStarted

	planning, fellBack := DecodePlanningState(planningRaw)
	if fellBack {
		log.Printf("task %s: malformed planning state in store, treating as not started", task.ID)
	}
	task.Planning = planning
	return task, nil
}
