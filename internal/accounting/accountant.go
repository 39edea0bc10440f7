package accounting

import (
	"sync"

	"pomelo/internal/common"

	"go.uber.org/zap"
)

// reservation 单个执行的预留记录
type reservation struct {
	Tenant    string          `json:"tenant"`
	Totals    common.Resource `json:"totals"`
	Confirmed bool            `json:"confirmed"`
}

// Accountant 聚合记账器，维护活跃执行的资源预留总量。
// 预留分两段：准入时的临时预扣（provisional）与运行确认后的正式预留
// （confirmed）。Usage 只反映正式预留；准入检查使用 Charged（两者之和），
// 以保证并发提交不会联合超出配额。
type Accountant struct {
	mu           sync.RWMutex
	reservations map[int64]*reservation
	logger       *zap.Logger
}

// New 创建聚合记账器
func New() *Accountant {
	return &Accountant{
		reservations: make(map[int64]*reservation),
		logger:       common.ComponentLogger("accountant"),
	}
}

// Provision 在准入时登记临时预扣。对同一执行重复调用无额外效果。
func (a *Accountant) Provision(id int64, tenant string, totals common.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.reservations[id]; exists {
		return
	}

	a.reservations[id] = &reservation{
		Tenant: tenant,
		Totals: totals,
	}

	a.logger.Debug("Reservation provisioned",
		zap.Int64("execution_id", id),
		zap.String("tenant", tenant),
		zap.Int64("memory", totals.Memory),
		zap.Float64("cores", totals.Cores))
}

// Reserve 在运行时确认容器实际启动后，将预留转为正式。幂等：
// 对同一执行重复调用不会叠加用量。
func (a *Accountant) Reserve(id int64, totals common.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, exists := a.reservations[id]
	if !exists {
		// 没有对应的临时预扣，通常意味着重复回调越过了释放
		a.logger.Warn("Reserve called without provisional reservation",
			zap.Int64("execution_id", id))
		a.reservations[id] = &reservation{Totals: totals, Confirmed: true}
		return
	}
	if res.Confirmed {
		return
	}

	res.Totals = totals
	res.Confirmed = true

	a.logger.Info("Reservation confirmed",
		zap.Int64("execution_id", id),
		zap.String("tenant", res.Tenant),
		zap.Int64("memory", totals.Memory),
		zap.Float64("cores", totals.Cores))
}

// Release 释放一个执行的预留。幂等：未预留或已释放时是无操作。
func (a *Accountant) Release(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, exists := a.reservations[id]
	if !exists {
		return
	}

	delete(a.reservations, id)

	a.logger.Info("Reservation released",
		zap.Int64("execution_id", id),
		zap.String("tenant", res.Tenant),
		zap.Bool("was_confirmed", res.Confirmed))
}

// Usage 某租户已确认的预留总量，仅反映处于活跃状态并已确认的执行
func (a *Accountant) Usage(tenant string) common.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var total common.Resource
	for _, res := range a.reservations {
		if res.Confirmed && res.Tenant == tenant {
			total = total.Add(res.Totals)
		}
	}
	return total
}

// ClusterUsage 全局已确认的预留总量
func (a *Accountant) ClusterUsage() common.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var total common.Resource
	for _, res := range a.reservations {
		if res.Confirmed {
			total = total.Add(res.Totals)
		}
	}
	return total
}

// Charged 某租户已计入的总量（正式预留加临时预扣），准入检查专用
func (a *Accountant) Charged(tenant string) common.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var total common.Resource
	for _, res := range a.reservations {
		if res.Tenant == tenant {
			total = total.Add(res.Totals)
		}
	}
	return total
}

// ClusterCharged 全局已计入的总量
func (a *Accountant) ClusterCharged() common.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var total common.Resource
	for _, res := range a.reservations {
		total = total.Add(res.Totals)
	}
	return total
}

// ActiveCount 某租户当前持有预留记录的执行数
func (a *Accountant) ActiveCount(tenant string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	count := 0
	for _, res := range a.reservations {
		if res.Tenant == tenant {
			count++
		}
	}
	return count
}
