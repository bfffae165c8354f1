package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// Config holds Postgres connection settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres through the pgx stdlib driver and verifies
// the connection with a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres URL is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// Schema is the DDL for the dispatcher tables.
const Schema = `
CREATE TABLE IF NOT EXISTS execution_contexts (
	id              TEXT PRIMARY KEY,
	lifecycle_state TEXT NOT NULL,
	created_on      TIMESTAMPTZ NOT NULL,
	completed_on    TIMESTAMPTZ,
	version         BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id                   TEXT PRIMARY KEY,
	execution_context_id TEXT NOT NULL REFERENCES execution_contexts(id) ON DELETE CASCADE,
	exec_state           TEXT NOT NULL,
	assigned_worker_id   TEXT NOT NULL DEFAULT '',
	context_id           TEXT NOT NULL DEFAULT '',
	params               BYTEA,
	params_version       INT NOT NULL DEFAULT 0,
	signed               BOOLEAN NOT NULL DEFAULT FALSE,
	outputs              JSONB,
	diagnostics          TEXT NOT NULL DEFAULT '',
	exit_code            INT NOT NULL DEFAULT 0,
	result_received      BOOLEAN NOT NULL DEFAULT FALSE,
	completed            BOOLEAN NOT NULL DEFAULT FALSE,
	timeout_ns           BIGINT NOT NULL DEFAULT 0,
	created_on           TIMESTAMPTZ NOT NULL,
	assigned_on          TIMESTAMPTZ,
	completed_on         TIMESTAMPTZ,
	updated_on           TIMESTAMPTZ NOT NULL,
	version              BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS tasks_execution_context_idx ON tasks (execution_context_id);

CREATE TABLE IF NOT EXISTS task_edges (
	execution_context_id TEXT NOT NULL REFERENCES execution_contexts(id) ON DELETE CASCADE,
	from_task_id         TEXT NOT NULL,
	to_task_id           TEXT NOT NULL,
	PRIMARY KEY (execution_context_id, from_task_id, to_task_id)
);
`

// TaskStore implements ports.TaskStore on Postgres. Optimistic versioning
// uses a version column: updates match on id and expected version, and an
// unmatched row is reported as a conflict.
type TaskStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTaskStore creates a Postgres-backed task store.
func NewTaskStore(db *sql.DB, logger *zap.Logger) *TaskStore {
	return &TaskStore{db: db, logger: logger}
}

// Migrate applies the schema.
func (s *TaskStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateContext stores a new execution context.
func (s *TaskStore) CreateContext(ctx context.Context, ec *domain.ExecutionContext) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_contexts (id, lifecycle_state, created_on, completed_on, version)
		 VALUES ($1, $2, $3, $4, $5)`,
		ec.ID, string(ec.LifecycleState), ec.CreatedOn.UTC(), nullTime(ec.CompletedOn), ec.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution context %s: %w", ec.ID, ports.ErrAlreadyExists)
		}
		return fmt.Errorf("insert execution context: %w", err)
	}
	return nil
}

// GetContext retrieves an execution context.
func (s *TaskStore) GetContext(ctx context.Context, id string) (*domain.ExecutionContext, error) {
	var (
		ec          domain.ExecutionContext
		state       string
		completedOn sql.NullTime
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lifecycle_state, created_on, completed_on, version
		 FROM execution_contexts WHERE id = $1`, id)
	if err := row.Scan(&ec.ID, &state, &ec.CreatedOn, &completedOn, &ec.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("select execution context: %w", err)
	}
	ec.LifecycleState = domain.LifecycleState(state)
	if completedOn.Valid {
		t := completedOn.Time
		ec.CompletedOn = &t
	}
	return &ec, nil
}

// UpdateContext replaces the stored row if the version matches.
func (s *TaskStore) UpdateContext(ctx context.Context, ec *domain.ExecutionContext, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_contexts
		 SET lifecycle_state = $1, completed_on = $2, version = $3
		 WHERE id = $4 AND version = $5`,
		string(ec.LifecycleState), nullTime(ec.CompletedOn), expectedVersion+1, ec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update execution context: %w", err)
	}
	if err := checkAffected(res, "execution context", ec.ID); err != nil {
		return s.classifyMiss(ctx, err,
			`SELECT 1 FROM execution_contexts WHERE id = $1`, ec.ID)
	}
	ec.Version = expectedVersion + 1
	return nil
}

// ListContexts returns all stored execution contexts.
func (s *TaskStore) ListContexts(ctx context.Context) ([]*domain.ExecutionContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lifecycle_state, created_on, completed_on, version FROM execution_contexts`)
	if err != nil {
		return nil, fmt.Errorf("select execution contexts: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExecutionContext
	for rows.Next() {
		var (
			ec          domain.ExecutionContext
			state       string
			completedOn sql.NullTime
		)
		if err := rows.Scan(&ec.ID, &state, &ec.CreatedOn, &completedOn, &ec.Version); err != nil {
			return nil, fmt.Errorf("scan execution context: %w", err)
		}
		ec.LifecycleState = domain.LifecycleState(state)
		if completedOn.Valid {
			t := completedOn.Time
			ec.CompletedOn = &t
		}
		out = append(out, &ec)
	}
	return out, rows.Err()
}

// DeleteContext removes the context; tasks and edges cascade through the
// foreign keys.
func (s *TaskStore) DeleteContext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_contexts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete execution context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution context %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// CreateTask stores a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, t *domain.Task) error {
	outputs, err := json.Marshal(t.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, execution_context_id, exec_state, assigned_worker_id, context_id,
			params, params_version, signed, outputs, diagnostics, exit_code,
			result_received, completed, timeout_ns, created_on, assigned_on,
			completed_on, updated_on, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.ExecutionContextID, string(t.ExecState), t.AssignedWorkerID, t.ContextID,
		t.Params, t.ParamsVersion, t.Signed, outputs, t.Diagnostics, t.ExitCode,
		t.ResultReceived, t.Completed, int64(t.TimeoutBeforeTerm), t.CreatedOn.UTC(),
		nullTime(t.AssignedOn), nullTime(t.CompletedOn), t.UpdatedOn.UTC(), t.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, ports.ErrAlreadyExists)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task row.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ports.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// UpdateTask replaces the stored row if the version matches.
func (s *TaskStore) UpdateTask(ctx context.Context, t *domain.Task, expectedVersion int64) error {
	outputs, err := json.Marshal(t.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			exec_state = $1, assigned_worker_id = $2, context_id = $3,
			params = $4, params_version = $5, signed = $6, outputs = $7,
			diagnostics = $8, exit_code = $9, result_received = $10,
			completed = $11, timeout_ns = $12, assigned_on = $13,
			completed_on = $14, updated_on = $15, version = $16
		 WHERE id = $17 AND version = $18`,
		string(t.ExecState), t.AssignedWorkerID, t.ContextID,
		t.Params, t.ParamsVersion, t.Signed, outputs,
		t.Diagnostics, t.ExitCode, t.ResultReceived,
		t.Completed, int64(t.TimeoutBeforeTerm), nullTime(t.AssignedOn),
		nullTime(t.CompletedOn), t.UpdatedOn.UTC(), expectedVersion+1,
		t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := checkAffected(res, "task", t.ID); err != nil {
		return s.classifyMiss(ctx, err, `SELECT 1 FROM tasks WHERE id = $1`, t.ID)
	}
	t.Version = expectedVersion + 1
	return nil
}

// ListTasks returns the context's tasks.
func (s *TaskStore) ListTasks(ctx context.Context, executionContextID string) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE execution_context_id = $1`, executionContextID)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountUnfinishedTasks counts the context's tasks not in a terminal state.
func (s *TaskStore) CountUnfinishedTasks(ctx context.Context, executionContextID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE execution_context_id = $1 AND exec_state NOT IN ($2, $3, $4, $5)`,
		executionContextID,
		string(domain.ExecStateOK), string(domain.ExecStateError),
		string(domain.ExecStateBroken), string(domain.ExecStateSkipped)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unfinished tasks: %w", err)
	}
	return count, nil
}

// CreateEdges inserts edge rows, skipping exact duplicates.
func (s *TaskStore) CreateEdges(ctx context.Context, edges []domain.Edge) error {
	for _, e := range edges {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO task_edges (execution_context_id, from_task_id, to_task_id)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			e.ExecutionContextID, e.FromTaskID, e.ToTaskID)
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	return nil
}

// DeleteEdges removes exactly the given edge rows; missing rows are ignored.
func (s *TaskStore) DeleteEdges(ctx context.Context, edges []domain.Edge) error {
	for _, e := range edges {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM task_edges
			 WHERE execution_context_id = $1 AND from_task_id = $2 AND to_task_id = $3`,
			e.ExecutionContextID, e.FromTaskID, e.ToTaskID)
		if err != nil {
			return fmt.Errorf("delete edge: %w", err)
		}
	}
	return nil
}

// ListEdges returns the context's edges.
func (s *TaskStore) ListEdges(ctx context.Context, executionContextID string) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_context_id, from_task_id, to_task_id
		 FROM task_edges WHERE execution_context_id = $1`, executionContextID)
	if err != nil {
		return nil, fmt.Errorf("select edges: %w", err)
	}
	defer rows.Close()

	var out []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.ExecutionContextID, &e.FromTaskID, &e.ToTaskID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT
	id, execution_context_id, exec_state, assigned_worker_id, context_id,
	params, params_version, signed, outputs, diagnostics, exit_code,
	result_received, completed, timeout_ns, created_on, assigned_on,
	completed_on, updated_on, version
FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t           domain.Task
		state       string
		outputs     []byte
		timeoutNS   int64
		assignedOn  sql.NullTime
		completedOn sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.ExecutionContextID, &state, &t.AssignedWorkerID, &t.ContextID,
		&t.Params, &t.ParamsVersion, &t.Signed, &outputs, &t.Diagnostics, &t.ExitCode,
		&t.ResultReceived, &t.Completed, &timeoutNS, &t.CreatedOn, &assignedOn,
		&completedOn, &t.UpdatedOn, &t.Version,
	); err != nil {
		return nil, err
	}
	t.ExecState = domain.ExecState(state)
	t.TimeoutBeforeTerm = time.Duration(timeoutNS)
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &t.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if assignedOn.Valid {
		v := assignedOn.Time
		t.AssignedOn = &v
	}
	if completedOn.Valid {
		v := completedOn.Time
		t.CompletedOn = &v
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ports.ErrVersionConflict)
	}
	return nil
}

// classifyMiss distinguishes a version conflict from a missing row after
// an update matched nothing.
func (s *TaskStore) classifyMiss(ctx context.Context, missErr error, existsQuery, id string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ports.ErrNotFound)
		}
		return missErr
	}
	return missErr
}
