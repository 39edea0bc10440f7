package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/manifest"
	"pomelo/internal/store"

	"go.uber.org/zap"
)

// Store 内存执行存储。所有操作线程安全，返回记录的深拷贝，
// 避免调用方修改后产生数据竞争。
type Store struct {
	mu         sync.RWMutex
	executions map[int64]*store.Execution
	idCounter  int64
	logger     *zap.Logger
}

// 编译期检查接口实现
var _ store.Store = (*Store)(nil)

// New 创建内存执行存储
func New() *Store {
	return &Store{
		executions: make(map[int64]*store.Execution),
		logger:     common.ComponentLogger("memory-store"),
	}
}

// Create 创建执行记录，ID 单调递增分配
func (s *Store) Create(_ context.Context, name string, spec *manifest.ExecutionSpec, owner string) (int64, error) {
	if spec == nil {
		return 0, common.NewValidationError("spec", "cannot be nil", nil)
	}
	if name == "" {
		return 0, common.NewValidationError("name", "cannot be empty", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.idCounter++
	id := s.idCounter

	s.executions[id] = &store.Execution{
		ID:          id,
		Name:        name,
		Owner:       owner,
		Spec:        spec.Clone(),
		Status:      common.ExecutionStateSubmitted,
		SubmittedAt: time.Now(),
	}

	s.logger.Debug("Execution created",
		zap.Int64("execution_id", id),
		zap.String("name", name),
		zap.String("owner", owner))

	return id, nil
}

// Get 按 ID 查询执行记录
func (s *Store) Get(_ context.Context, id int64) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, exists := s.executions[id]
	if !exists {
		return nil, fmt.Errorf("execution %d: %w", id, common.ErrExecutionNotFound)
	}
	return execution.Clone(), nil
}

// SetStatus 更新执行状态与时间戳
func (s *Store) SetStatus(_ context.Context, id int64, status string, update store.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, exists := s.executions[id]
	if !exists {
		return fmt.Errorf("execution %d: %w", id, common.ErrExecutionNotFound)
	}

	execution.Status = status
	if update.StartedAt != nil {
		t := *update.StartedAt
		execution.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		execution.FinishedAt = &t
	}
	if update.Diagnostics != "" {
		execution.Diagnostics = update.Diagnostics
	}

	return nil
}

// ListActive 查询活跃执行
func (s *Store) ListActive(_ context.Context, owner string) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Execution, 0)
	for _, execution := range s.executions {
		if !execution.IsActive() {
			continue
		}
		if owner != "" && execution.Owner != owner {
			continue
		}
		result = append(result, execution.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListRecent 按最近活动时间倒序查询
func (s *Store) ListRecent(_ context.Context, limit int, owner string) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Execution, 0)
	for _, execution := range s.executions {
		if owner != "" && execution.Owner != owner {
			continue
		}
		result = append(result, execution.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		ti, tj := store.ActivityTime(result[i]), store.ActivityTime(result[j])
		if ti.Equal(tj) {
			return result[i].ID > result[j].ID
		}
		return ti.After(tj)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}
