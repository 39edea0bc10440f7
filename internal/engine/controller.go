package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pomelo/internal/accounting"
	"pomelo/internal/common"
	"pomelo/internal/events"
	"pomelo/internal/manifest"
	"pomelo/internal/policy"
	"pomelo/internal/runtime"
	"pomelo/internal/store"

	"go.uber.org/zap"
)

// SubmitRequest 一次执行提交请求
type SubmitRequest struct {
	Manifest   *manifest.Manifest         `json:"manifest"`
	ExecName   string                     `json:"exec_name"`
	Owner      string                     `json:"owner"`
	Parameters map[string]string          `json:"parameters,omitempty"`
	Overrides  map[string]common.Resource `json:"overrides,omitempty"`
}

// tracker 单个活跃执行的运行时进度
type tracker struct {
	healthy       map[string]int // 服务名 → 健康副本数
	cancelPending bool           // 调度完成前收到的终止请求
	deadline      *time.Timer    // STARTING 状态的超时定时器
}

// Controller 执行生命周期控制器。每个执行的状态转换由按 ID 的互斥锁
// 串行化，控制器是任何执行状态的唯一写入方；等待容器启动/停止的
// 长操作全部通过运行时回调异步观察，从不阻塞请求路径。
type Controller struct {
	store      store.Store
	resolver   *manifest.Resolver
	policy     *policy.Policy
	accountant *accounting.Accountant
	runtime    runtime.ClusterRuntime
	publisher  events.Publisher
	config     common.EngineConfig
	logger     *zap.Logger

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	trackers map[int64]*tracker

	admitMu sync.Mutex
	admits  map[string]*sync.Mutex // 按租户串行化准入

	submitted atomic.Int64 // 本实例累计接受的提交数

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController 创建生命周期控制器
func NewController(
	st store.Store,
	resolver *manifest.Resolver,
	pol *policy.Policy,
	accountant *accounting.Accountant,
	rt runtime.ClusterRuntime,
	publisher events.Publisher,
	config common.EngineConfig,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Controller{
		store:      st,
		resolver:   resolver,
		policy:     pol,
		accountant: accountant,
		runtime:    rt,
		publisher:  publisher,
		config:     config,
		logger:     common.ComponentLogger("lifecycle-controller"),
		locks:      make(map[int64]*sync.Mutex),
		trackers:   make(map[int64]*tracker),
		admits:     make(map[string]*sync.Mutex),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit 提交一次执行：解析清单、准入检查、创建记录并异步请求放置
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*store.Execution, error) {
	spec, err := c.resolver.Resolve(req.Manifest, req.ExecName, req.Owner,
		req.Parameters, req.Overrides, c.config.CustomizableRes)
	if err != nil {
		return nil, err
	}
	return c.submitSpec(ctx, spec, req.Owner)
}

// Restart 重启一个终态执行：使用同一规格重新提交，产生新的执行 ID，
// 原记录保持不变
func (c *Controller) Restart(ctx context.Context, id int64) (*store.Execution, error) {
	execution, err := c.getWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !common.IsTerminalState(execution.Status) {
		return nil, fmt.Errorf("restart execution %d in state %s: %w",
			id, execution.Status, common.ErrInvalidState)
	}
	return c.submitSpec(ctx, execution.Spec, execution.Owner)
}

// submitSpec 对已解析规格执行准入与创建。准入按租户串行化，
// 两个并发提交不可能联合超出配额。
func (c *Controller) submitSpec(ctx context.Context, spec *manifest.ExecutionSpec, owner string) (*store.Execution, error) {
	totals := spec.Totals()

	admitLock := c.admitLockFor(owner)
	admitLock.Lock()
	defer admitLock.Unlock()

	err := c.policy.Admit(totals,
		c.accountant.Charged(owner),
		c.accountant.ClusterCharged(),
		c.accountant.ActiveCount(owner))
	if err != nil {
		c.logger.Info("Submission rejected at admission",
			zap.String("owner", owner),
			zap.String("exec_name", spec.ExecName),
			zap.Error(err))
		return nil, err
	}

	var id int64
	err = c.withRetry(func() error {
		var createErr error
		id, createErr = c.store.Create(ctx, spec.ExecName, spec, owner)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}

	// 临时预扣在准入锁内登记，后续并发准入能看到这笔用量
	c.accountant.Provision(id, owner, totals)
	c.submitted.Add(1)

	c.mu.Lock()
	c.trackers[id] = &tracker{healthy: make(map[string]int)}
	c.mu.Unlock()

	c.logger.Info("Execution submitted",
		zap.Int64("execution_id", id),
		zap.String("exec_name", spec.ExecName),
		zap.String("owner", owner),
		zap.Int64("memory", totals.Memory),
		zap.Float64("cores", totals.Cores))

	execution, err := c.getWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	c.publisher.PublishTransition(ctx, execution, "", common.ExecutionStateSubmitted)

	go c.scheduleExecution(id, spec)

	return execution, nil
}

// Terminate 终止一个活跃执行。对终态执行调用返回 InvalidState。
// 执行仍在 SUBMITTED 时请求会被记住，放置结束后立即生效。
func (c *Controller) Terminate(ctx context.Context, id int64) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := c.getWithRetry(ctx, id)
	if err != nil {
		return err
	}
	if !execution.IsActive() {
		return fmt.Errorf("terminate execution %d in state %s: %w",
			id, execution.Status, common.ErrInvalidState)
	}

	switch execution.Status {
	case common.ExecutionStateSubmitted:
		// 放置尚未完成，记住取消请求，调度结果返回时折叠进终止路径
		c.trackerFor(id).cancelPending = true
		c.logger.Info("Termination deferred until placement settles",
			zap.Int64("execution_id", id))
		return nil

	case common.ExecutionStateTerminating:
		// 已在终止中，幂等返回
		return nil

	default:
		if err := c.transition(ctx, execution, common.ExecutionStateTerminating, store.StatusUpdate{}); err != nil {
			return err
		}
		go c.stopExecution(id)
		return nil
	}
}

// HandleCallback 处理运行时回调。回调按执行 ID 幂等处理，
// 单个执行的失败不会影响其他执行。
func (c *Controller) HandleCallback(ctx context.Context, cb runtime.Callback) error {
	lock := c.lockFor(cb.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := c.getWithRetry(ctx, cb.ExecutionID)
	if err != nil {
		return err
	}

	switch cb.Event {
	case runtime.EventHealthy:
		return c.onServiceHealthy(ctx, execution, cb.Service)
	case runtime.EventCrashed:
		return c.onCrashed(ctx, execution, cb.Diagnostics)
	case runtime.EventStopped:
		return c.onStopped(ctx, execution)
	default:
		return common.NewValidationError("event", "unknown runtime event", cb.Event)
	}
}

// ListActive 查询活跃执行
func (c *Controller) ListActive(ctx context.Context, owner string) ([]*store.Execution, error) {
	return c.store.ListActive(ctx, owner)
}

// ListRecent 查询最近执行
func (c *Controller) ListRecent(ctx context.Context, limit int, owner string) ([]*store.Execution, error) {
	return c.store.ListRecent(ctx, limit, owner)
}

// Get 查询单个执行
func (c *Controller) Get(ctx context.Context, id int64) (*store.Execution, error) {
	return c.getWithRetry(ctx, id)
}

// TotalSubmitted 本实例启动以来累计接受的提交数
func (c *Controller) TotalSubmitted() int64 {
	return c.submitted.Load()
}

// Recover 启动时恢复：为存储中仍活跃的执行重建账目与跟踪状态
func (c *Controller) Recover(ctx context.Context) error {
	active, err := c.store.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("list active executions: %w", err)
	}

	for _, execution := range active {
		totals := execution.Spec.Totals()
		c.accountant.Provision(execution.ID, execution.Owner, totals)

		c.mu.Lock()
		c.trackers[execution.ID] = &tracker{healthy: make(map[string]int)}
		c.mu.Unlock()

		switch execution.Status {
		case common.ExecutionStateRunning:
			c.accountant.Reserve(execution.ID, totals)
		case common.ExecutionStateSubmitted:
			go c.scheduleExecution(execution.ID, execution.Spec)
		case common.ExecutionStateStarting:
			c.armStartingDeadline(execution.ID)
		case common.ExecutionStateTerminating:
			go c.stopExecution(execution.ID)
		}

		c.logger.Info("Recovered active execution",
			zap.Int64("execution_id", execution.ID),
			zap.String("status", execution.Status))
	}
	return nil
}

// Stop 停止控制器
func (c *Controller) Stop() error {
	c.logger.Info("Stopping lifecycle controller")
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		if t.deadline != nil {
			t.deadline.Stop()
		}
	}
	return c.publisher.Close()
}

// scheduleExecution 向运行时请求放置，并根据结果推进状态机
func (c *Controller) scheduleExecution(id int64, spec *manifest.ExecutionSpec) {
	err := c.runtime.Schedule(c.ctx, id, spec)

	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, getErr := c.getWithRetry(c.ctx, id)
	if getErr != nil {
		c.logger.Error("Failed to load execution after placement",
			zap.Int64("execution_id", id), zap.Error(getErr))
		return
	}
	if common.IsTerminalState(execution.Status) {
		return
	}

	if err != nil {
		c.logger.Warn("Execution placement rejected",
			zap.Int64("execution_id", id), zap.Error(err))
		c.toError(c.ctx, execution, err.Error())
		return
	}

	if c.trackerFor(id).cancelPending {
		// 提交后、调度前收到的终止请求在此生效
		if err := c.transition(c.ctx, execution, common.ExecutionStateTerminating, store.StatusUpdate{}); err != nil {
			c.logger.Error("Failed to apply deferred termination",
				zap.Int64("execution_id", id), zap.Error(err))
			return
		}
		go c.stopExecution(id)
		return
	}

	if execution.Status == common.ExecutionStateSubmitted {
		if err := c.transition(c.ctx, execution, common.ExecutionStateScheduled, store.StatusUpdate{}); err != nil {
			c.logger.Error("Failed to mark execution scheduled",
				zap.Int64("execution_id", id), zap.Error(err))
			return
		}
		// 放置确认前已经到达的 healthy 回调在此生效
		if err := c.advanceStarting(c.ctx, execution); err != nil {
			c.logger.Error("Failed to advance execution after placement",
				zap.Int64("execution_id", id), zap.Error(err))
		}
	}
}

// stopExecution 请求运行时停止容器，最终的 stopped 回调驱动
// TERMINATING → TERMINATED
func (c *Controller) stopExecution(id int64) {
	err := c.withRetry(func() error {
		return c.runtime.Stop(c.ctx, id)
	})
	if err != nil {
		c.logger.Error("Failed to request container stop",
			zap.Int64("execution_id", id), zap.Error(err))
	}
}

// onServiceHealthy 处理 healthy 回调：SCHEDULED → STARTING，
// 全部服务达到 essential_count 后 STARTING → RUNNING 并确认预留
func (c *Controller) onServiceHealthy(ctx context.Context, execution *store.Execution, service string) error {
	// 终止中或已终止的执行，迟到的 healthy 回调折叠为无操作
	if common.IsTerminalState(execution.Status) ||
		execution.Status == common.ExecutionStateTerminating {
		return nil
	}

	t := c.trackerFor(execution.ID)
	if svc := findService(execution.Spec, service); svc != nil {
		if t.healthy[service] < svc.TotalCount {
			t.healthy[service]++
		}
	}

	// 放置结果尚未落账时只记录进度，调度路径稍后折叠这些回调
	if execution.Status == common.ExecutionStateSubmitted {
		return nil
	}

	return c.advanceStarting(ctx, execution)
}

// advanceStarting 根据已记录的健康副本数推进 SCHEDULED → STARTING → RUNNING。
// 调用方必须持有该执行的转换锁。
func (c *Controller) advanceStarting(ctx context.Context, execution *store.Execution) error {
	t := c.trackerFor(execution.ID)

	if execution.Status == common.ExecutionStateScheduled && anyHealthy(t.healthy) {
		if err := c.transition(ctx, execution, common.ExecutionStateStarting, store.StatusUpdate{}); err != nil {
			return err
		}
		c.armStartingDeadline(execution.ID)
	}

	if execution.Status != common.ExecutionStateStarting {
		return nil
	}
	if !allEssentialHealthy(execution.Spec, t.healthy) {
		return nil
	}

	now := time.Now()
	if err := c.transition(ctx, execution, common.ExecutionStateRunning,
		store.StatusUpdate{StartedAt: &now}); err != nil {
		return err
	}

	// 预留提交推迟到运行时确认容器真正运行之后
	c.accountant.Reserve(execution.ID, execution.Spec.Totals())
	c.disarmStartingDeadline(execution.ID)
	c.updateResourceMetrics()
	return nil
}

// onCrashed 处理 crashed 回调：任何非终态进入 ERROR
func (c *Controller) onCrashed(ctx context.Context, execution *store.Execution, diagnostics string) error {
	if common.IsTerminalState(execution.Status) {
		return nil
	}
	if diagnostics == "" {
		diagnostics = (&common.RuntimeFailure{Reason: common.RuntimeCrashed}).Error()
	}
	c.toError(ctx, execution, diagnostics)
	return nil
}

// onStopped 处理 stopped 回调：TERMINATING → TERMINATED
func (c *Controller) onStopped(ctx context.Context, execution *store.Execution) error {
	if execution.Status != common.ExecutionStateTerminating {
		return nil
	}

	now := time.Now()
	if err := c.transition(ctx, execution, common.ExecutionStateTerminated,
		store.StatusUpdate{FinishedAt: &now}); err != nil {
		return err
	}

	c.releaseExecution(execution.ID)
	return nil
}

// toError 将执行推入 ERROR 终态并释放全部预留
func (c *Controller) toError(ctx context.Context, execution *store.Execution, diagnostics string) {
	now := time.Now()
	err := c.transition(ctx, execution, common.ExecutionStateError, store.StatusUpdate{
		FinishedAt:  &now,
		Diagnostics: diagnostics,
	})
	if err != nil {
		c.logger.Error("Failed to mark execution as errored",
			zap.Int64("execution_id", execution.ID), zap.Error(err))
		return
	}
	c.releaseExecution(execution.ID)
}

// transition 执行一次状态转换：持久化、指标与事件发布
func (c *Controller) transition(ctx context.Context, execution *store.Execution, to string, update store.StatusUpdate) error {
	from := execution.Status

	err := c.withRetry(func() error {
		return c.store.SetStatus(ctx, execution.ID, to, update)
	})
	if err != nil {
		return fmt.Errorf("persist transition %s -> %s for execution %d: %w",
			from, to, execution.ID, err)
	}

	execution.Status = to
	if update.StartedAt != nil {
		execution.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		execution.FinishedAt = update.FinishedAt
	}
	if update.Diagnostics != "" {
		execution.Diagnostics = update.Diagnostics
	}

	common.GetMetrics().RecordTransition(from, to)
	c.logger.Info("Execution state changed",
		zap.Int64("execution_id", execution.ID),
		zap.String("old_state", from),
		zap.String("new_state", to))

	c.publisher.PublishTransition(ctx, execution, from, to)
	return nil
}

// releaseExecution 释放预留并清理每执行的跟踪状态
func (c *Controller) releaseExecution(id int64) {
	c.accountant.Release(id)
	c.disarmStartingDeadline(id)

	c.mu.Lock()
	delete(c.trackers, id)
	delete(c.locks, id)
	c.mu.Unlock()

	c.updateResourceMetrics()
}

// armStartingDeadline 启动 STARTING 超时定时器
func (c *Controller) armStartingDeadline(id int64) {
	t := c.trackerFor(id)
	if t.deadline != nil {
		return
	}
	t.deadline = time.AfterFunc(c.config.StartingTimeout, func() {
		c.onStartingTimeout(id)
	})
}

// disarmStartingDeadline 停止 STARTING 超时定时器
func (c *Controller) disarmStartingDeadline(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.trackers[id]; ok && t.deadline != nil {
		t.deadline.Stop()
		t.deadline = nil
	}
}

// onStartingTimeout 卡在 STARTING 超过期限的执行强制进入 ERROR
func (c *Controller) onStartingTimeout(id int64) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	execution, err := c.getWithRetry(c.ctx, id)
	if err != nil {
		c.logger.Error("Failed to load execution for timeout check",
			zap.Int64("execution_id", id), zap.Error(err))
		return
	}
	if execution.Status != common.ExecutionStateStarting {
		return
	}

	c.logger.Warn("Execution stuck in STARTING beyond deadline",
		zap.Int64("execution_id", id),
		zap.Duration("deadline", c.config.StartingTimeout))

	failure := &common.RuntimeFailure{
		Reason:  common.RuntimeTimeout,
		Message: fmt.Sprintf("no essential replicas after %s", c.config.StartingTimeout),
	}
	c.toError(c.ctx, execution, failure.Error())
	go c.stopExecution(id)
}

// getWithRetry 带退避重试的记录读取
func (c *Controller) getWithRetry(ctx context.Context, id int64) (*store.Execution, error) {
	var execution *store.Execution
	err := c.withRetry(func() error {
		var getErr error
		execution, getErr = c.store.Get(ctx, id)
		return getErr
	})
	return execution, err
}

// withRetry 对幂等操作做带指数退避的重试；确定性错误立即返回
func (c *Controller) withRetry(op func() error) error {
	delay := c.config.StoreRetryDelay
	var err error
	for attempt := 0; attempt <= c.config.StoreRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, common.ErrExecutionNotFound) || errors.Is(err, common.ErrInvalidState) {
			return err
		}
		var failure *common.RuntimeFailure
		if errors.As(err, &failure) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return err
		}
		delay *= 2
	}
	return err
}

// lockFor 获取某个执行的转换互斥锁
func (c *Controller) lockFor(id int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, exists := c.locks[id]
	if !exists {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}
	return lock
}

// trackerFor 获取某个执行的跟踪状态
func (c *Controller) trackerFor(id int64) *tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, exists := c.trackers[id]
	if !exists {
		t = &tracker{healthy: make(map[string]int)}
		c.trackers[id] = t
	}
	return t
}

// updateResourceMetrics 刷新资源指标
func (c *Controller) updateResourceMetrics() {
	usage := c.accountant.ClusterUsage()
	capacity := c.policy.ClusterCapacity()
	common.GetMetrics().UpdateResourceMetrics(
		capacity.Memory, usage.Memory, capacity.Cores, usage.Cores)
}

// findService 在规格中查找服务
func findService(spec *manifest.ExecutionSpec, name string) *manifest.ServiceSpec {
	for i := range spec.Services {
		if spec.Services[i].Name == name {
			return &spec.Services[i]
		}
	}
	return nil
}

// anyHealthy 是否已有任何健康副本
func anyHealthy(healthy map[string]int) bool {
	for _, count := range healthy {
		if count > 0 {
			return true
		}
	}
	return false
}

// allEssentialHealthy 检查每个服务是否都达到了必要副本数
func allEssentialHealthy(spec *manifest.ExecutionSpec, healthy map[string]int) bool {
	for _, svc := range spec.Services {
		if healthy[svc.Name] < svc.EssentialCount {
			return false
		}
	}
	return true
}

// admitLockFor 获取某个租户的准入互斥锁
func (c *Controller) admitLockFor(owner string) *sync.Mutex {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	lock, exists := c.admits[owner]
	if !exists {
		lock = &sync.Mutex{}
		c.admits[owner] = lock
	}
	return lock
}
