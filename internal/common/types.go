package common

import "fmt"

// Resource 表示一份内存/核心资源配置
type Resource struct {
	Memory int64   `json:"memory" yaml:"memory"` // MB
	Cores  float64 `json:"cores" yaml:"cores"`   // 虚拟核心数，支持小数（如 0.5 核）
}

// IsEmpty 检查资源是否为空
func (r Resource) IsEmpty() bool {
	return r.Memory == 0 && r.Cores == 0
}

// Add 资源相加
func (r Resource) Add(other Resource) Resource {
	return Resource{
		Memory: r.Memory + other.Memory,
		Cores:  r.Cores + other.Cores,
	}
}

// Subtract 资源相减
func (r Resource) Subtract(other Resource) Resource {
	return Resource{
		Memory: r.Memory - other.Memory,
		Cores:  r.Cores - other.Cores,
	}
}

// FitsIn 检查资源是否在给定上限之内
func (r Resource) FitsIn(limit Resource) bool {
	return r.Memory <= limit.Memory && r.Cores <= limit.Cores
}

func (r Resource) String() string {
	return fmt.Sprintf("Resource{Memory: %d MB, Cores: %.2f}", r.Memory, r.Cores)
}

// 执行状态
const (
	ExecutionStateSubmitted   = "SUBMITTED"
	ExecutionStateScheduled   = "SCHEDULED"
	ExecutionStateStarting    = "STARTING"
	ExecutionStateRunning     = "RUNNING"
	ExecutionStateTerminating = "TERMINATING"
	ExecutionStateTerminated  = "TERMINATED"
	ExecutionStateError       = "ERROR"
)

// IsActiveState 检查状态是否属于活跃状态集合
func IsActiveState(state string) bool {
	switch state {
	case ExecutionStateSubmitted,
		ExecutionStateScheduled,
		ExecutionStateStarting,
		ExecutionStateRunning,
		ExecutionStateTerminating:
		return true
	default:
		return false
	}
}

// IsTerminalState 检查状态是否为终态
func IsTerminalState(state string) bool {
	return state == ExecutionStateTerminated || state == ExecutionStateError
}
