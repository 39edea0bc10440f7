package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/manifest"
	"pomelo/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	owner       TEXT NOT NULL,
	spec        JSONB NOT NULL,
	status      TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	diagnostics TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_owner_idx ON executions (owner);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);
`

// 活跃状态集合，用于 ListActive 的 SQL 过滤
var activeStates = []string{
	common.ExecutionStateSubmitted,
	common.ExecutionStateScheduled,
	common.ExecutionStateStarting,
	common.ExecutionStateRunning,
	common.ExecutionStateTerminating,
}

// Store 基于 PostgreSQL 的执行存储。事务提交即持久化，
// 满足转换在返回前已落盘的契约。
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New 连接数据库并确保表结构存在
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: common.ComponentLogger("postgres-store"),
	}, nil
}

// Create 创建执行记录
func (s *Store) Create(ctx context.Context, name string, spec *manifest.ExecutionSpec, owner string) (int64, error) {
	if spec == nil {
		return 0, common.NewValidationError("spec", "cannot be nil", nil)
	}
	if name == "" {
		return 0, common.NewValidationError("name", "cannot be empty", name)
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return 0, fmt.Errorf("encode spec: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO executions (name, owner, spec, status, submitted_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		name, owner, specJSON, common.ExecutionStateSubmitted, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}

	s.logger.Debug("Execution created",
		zap.Int64("execution_id", id),
		zap.String("name", name),
		zap.String("owner", owner))

	return id, nil
}

// Get 按 ID 查询执行记录
func (s *Store) Get(ctx context.Context, id int64) (*store.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, owner, spec, status, submitted_at, started_at, finished_at, diagnostics
		 FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %d: %w", id, common.ErrExecutionNotFound)
		}
		return nil, fmt.Errorf("select execution: %w", err)
	}
	return execution, nil
}

// SetStatus 更新执行状态与时间戳
func (s *Store) SetStatus(ctx context.Context, id int64, status string, update store.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions
		 SET status = $2,
		     started_at = COALESCE($3, started_at),
		     finished_at = COALESCE($4, finished_at),
		     diagnostics = CASE WHEN $5 <> '' THEN $5 ELSE diagnostics END
		 WHERE id = $1`,
		id, status, update.StartedAt, update.FinishedAt, update.Diagnostics)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %d: %w", id, common.ErrExecutionNotFound)
	}
	return nil
}

// ListActive 查询活跃执行
func (s *Store) ListActive(ctx context.Context, owner string) ([]*store.Execution, error) {
	query := `SELECT id, name, owner, spec, status, submitted_at, started_at, finished_at, diagnostics
		 FROM executions WHERE status = ANY($1)`
	args := []interface{}{activeStates}
	if owner != "" {
		query += ` AND owner = $2`
		args = append(args, owner)
	}
	query += ` ORDER BY id`

	return s.queryExecutions(ctx, query, args...)
}

// ListRecent 按最近活动时间倒序查询
func (s *Store) ListRecent(ctx context.Context, limit int, owner string) ([]*store.Execution, error) {
	query := `SELECT id, name, owner, spec, status, submitted_at, started_at, finished_at, diagnostics
		 FROM executions`
	args := []interface{}{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY COALESCE(finished_at, started_at, submitted_at) DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	return s.queryExecutions(ctx, query, args...)
}

// Close 关闭连接池
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*store.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select executions: %w", err)
	}
	defer rows.Close()

	result := make([]*store.Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, execution)
	}
	return result, rows.Err()
}

func scanExecution(row pgx.Row) (*store.Execution, error) {
	var (
		execution store.Execution
		specJSON  []byte
	)
	err := row.Scan(
		&execution.ID,
		&execution.Name,
		&execution.Owner,
		&specJSON,
		&execution.Status,
		&execution.SubmittedAt,
		&execution.StartedAt,
		&execution.FinishedAt,
		&execution.Diagnostics,
	)
	if err != nil {
		return nil, err
	}

	spec := &manifest.ExecutionSpec{}
	if err := json.Unmarshal(specJSON, spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	execution.Spec = spec
	return &execution, nil
}
