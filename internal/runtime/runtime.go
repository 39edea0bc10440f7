package runtime

import (
	"context"

	"pomelo/internal/manifest"
)

// 运行时回调事件类型
const (
	EventHealthy = "healthy"
	EventCrashed = "crashed"
	EventStopped = "stopped"
)

// Callback 运行时回调，按执行 ID 投递，处理方必须幂等
type Callback struct {
	ExecutionID int64  `json:"execution_id"`
	Event       string `json:"event"`
	Service     string `json:"service"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// ClusterRuntime 集群运行时协作方。Schedule 与 Stop 以执行 ID 幂等：
// 对同一执行重复调用不会产生额外的放置或停止动作。
type ClusterRuntime interface {
	// Schedule 请求放置并启动一个执行的全部容器。
	// 放置被拒绝时返回 RuntimeFailure(PlacementRejected)。
	Schedule(ctx context.Context, executionID int64, spec *manifest.ExecutionSpec) error

	// Stop 请求停止一个执行的全部容器，停止完成通过 stopped 回调上报
	Stop(ctx context.Context, executionID int64) error
}
