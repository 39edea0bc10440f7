package common

import (
	"runtime"
	"sync"
	"time"
)

// Metrics 引擎指标
type Metrics struct {
	mu sync.RWMutex

	// 系统指标
	StartTime    time.Time                `json:"start_time"`
	RequestCount map[string]int64         `json:"request_count"`
	ResponseTime map[string]time.Duration `json:"response_time"`
	ErrorCount   map[string]int64         `json:"error_count"`

	// 执行指标
	TotalExecutions   int64            `json:"total_executions"`
	ActiveExecutions  int64            `json:"active_executions"`
	ExecutionsByState map[string]int64 `json:"executions_by_state"`
	TransitionCount   map[string]int64 `json:"transition_count"`

	// 资源使用指标
	ClusterMemoryMB  int64   `json:"cluster_memory_mb"`
	ReservedMemoryMB int64   `json:"reserved_memory_mb"`
	ClusterCores     float64 `json:"cluster_cores"`
	ReservedCores    float64 `json:"reserved_cores"`
}

var globalMetrics = &Metrics{
	StartTime:         time.Now(),
	RequestCount:      make(map[string]int64),
	ResponseTime:      make(map[string]time.Duration),
	ErrorCount:        make(map[string]int64),
	ExecutionsByState: make(map[string]int64),
	TransitionCount:   make(map[string]int64),
}

// GetMetrics 获取全局指标实例
func GetMetrics() *Metrics {
	return globalMetrics
}

// IncrementRequestCount 增加请求计数
func (m *Metrics) IncrementRequestCount(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount[endpoint]++
}

// RecordResponseTime 记录响应时间
func (m *Metrics) RecordResponseTime(endpoint string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResponseTime[endpoint] = duration
}

// IncrementErrorCount 增加错误计数
func (m *Metrics) IncrementErrorCount(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCount[endpoint]++
}

// RecordTransition 记录一次状态转换
func (m *Metrics) RecordTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransitionCount[from+"->"+to]++
}

// UpdateExecutionMetrics 更新执行指标
func (m *Metrics) UpdateExecutionMetrics(total, active int64, byState map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalExecutions = total
	m.ActiveExecutions = active
	m.ExecutionsByState = byState
}

// UpdateResourceMetrics 更新资源使用指标
func (m *Metrics) UpdateResourceMetrics(clusterMem, reservedMem int64, clusterCores, reservedCores float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClusterMemoryMB = clusterMem
	m.ReservedMemoryMB = reservedMem
	m.ClusterCores = clusterCores
	m.ReservedCores = reservedCores
}

// GetSnapshot 获取指标快照
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// 获取系统内存统计
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	byState := make(map[string]int64, len(m.ExecutionsByState))
	for k, v := range m.ExecutionsByState {
		byState[k] = v
	}
	transitions := make(map[string]int64, len(m.TransitionCount))
	for k, v := range m.TransitionCount {
		transitions[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds":      time.Since(m.StartTime).Seconds(),
		"request_count":       m.RequestCount,
		"response_time_ms":    convertDurationToMs(m.ResponseTime),
		"error_count":         m.ErrorCount,
		"total_executions":    m.TotalExecutions,
		"active_executions":   m.ActiveExecutions,
		"executions_by_state": byState,
		"transition_count":    transitions,
		"cluster_memory_mb":   m.ClusterMemoryMB,
		"reserved_memory_mb":  m.ReservedMemoryMB,
		"cluster_cores":       m.ClusterCores,
		"reserved_cores":      m.ReservedCores,
		"system_memory_mb":    int64(memStats.Sys / 1024 / 1024),
		"heap_memory_mb":      int64(memStats.HeapInuse / 1024 / 1024),
		"goroutines":          runtime.NumGoroutine(),
	}
}

// convertDurationToMs 将时间持续转换为毫秒
func convertDurationToMs(durations map[string]time.Duration) map[string]float64 {
	result := make(map[string]float64)
	for k, v := range durations {
		result[k] = float64(v.Nanoseconds()) / 1e6
	}
	return result
}
