package store

import (
	"context"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/manifest"
)

// Execution 一次执行记录。Spec 在创建后不可变；重启总是创建新记录，
// 终态记录永不物理删除，供历史与审计查询。
type Execution struct {
	ID          int64                   `json:"id"`
	Name        string                  `json:"name"`
	Owner       string                  `json:"owner"`
	Spec        *manifest.ExecutionSpec `json:"spec"`
	Status      string                  `json:"status"`
	SubmittedAt time.Time               `json:"submitted_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
	Diagnostics string                  `json:"diagnostics,omitempty"`
}

// IsActive 派生字段：状态属于非终态集合时为 true
func (e *Execution) IsActive() bool {
	return common.IsActiveState(e.Status)
}

// Clone 深拷贝执行记录
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Spec = e.Spec.Clone()
	if e.StartedAt != nil {
		t := *e.StartedAt
		clone.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}

// StatusUpdate 状态转换时附带的时间戳与诊断信息
type StatusUpdate struct {
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Diagnostics string
}

// Store 执行存储接口。实现必须保证转换在返回成功前已经持久化，
// 并保持单个执行记录上转换的串行化。
type Store interface {
	// Create 创建一条新的执行记录，返回单调分配的 ID
	Create(ctx context.Context, name string, spec *manifest.ExecutionSpec, owner string) (int64, error)

	// Get 按 ID 查询执行记录
	Get(ctx context.Context, id int64) (*Execution, error)

	// SetStatus 更新执行状态与时间戳
	SetStatus(ctx context.Context, id int64, status string, update StatusUpdate) error

	// ListActive 查询活跃执行，owner 为空时不过滤
	ListActive(ctx context.Context, owner string) ([]*Execution, error)

	// ListRecent 按最近活动时间倒序查询执行记录
	ListRecent(ctx context.Context, limit int, owner string) ([]*Execution, error)

	// Close 释放底层资源
	Close() error
}

// ActivityTime 排序用的活动时间：结束时间优先，其次启动时间，最后提交时间
func ActivityTime(e *Execution) time.Time {
	if e.FinishedAt != nil {
		return *e.FinishedAt
	}
	if e.StartedAt != nil {
		return *e.StartedAt
	}
	return e.SubmittedAt
}
