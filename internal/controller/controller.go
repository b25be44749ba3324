// ============================================================================
// Coordination 控制器 - 本機任務來源
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 把任務儲存、重試策略、死信與事件串起來，作為 worker pool 的本機 TaskSource
//
// 架構設計:
//   - taskstore.Store: 任務狀態（Memory / Durable / SQLite）
//   - retry.Policy:    失敗後的決策（重試 / DEAD / FAILED）
//   - deadletter.Sink: DEAD 任務連同完整嘗試紀錄寫入死信
//   - notify.Publisher: task.completed / task.failed / task.dead
//
// 背景循環 (errgroup):
//   1. Sweep Loop    - 定期掃描認領過期的 RUNNING 任務，當作 timeout 失敗處理
//   2. Snapshot Loop - 儲存支援快照時定期寫入快照並旋轉 WAL
//
// 崩潰恢復流程:
//   儲存開啟時已完成 snapshot → WAL replay。Start() 立即執行一次掃描：
//   崩潰前被認領、且認領已過期的任務以 timeout 嘗試經過重試策略，
//   PENDING 任務原樣繼續。
//
// 關閉順序:
//   1. cancel() 通知所有循環
//   2. group.Wait() 等待循環退出
//   3. 最後一次快照
//   儲存本身由呼叫端關閉。
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/itinerary-coord/internal/deadletter"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/metrics"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/retry"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var log = slog.Default()

// ErrStopped 控制器已停止
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	SweepInterval    time.Duration // 過期認領掃描間隔
	SnapshotInterval time.Duration // 快照間隔，0 表示不定期快照

	Policy      *retry.Policy
	DeadLetters deadletter.Sink
	Publisher   notify.Publisher
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// Snapshotter 支援快照的儲存（taskstore.Durable）
type Snapshotter interface {
	Snapshot() error
}

// Status 系統狀態
type Status struct {
	Uptime       time.Duration   `json:"uptime"`
	RecoveryTime time.Duration   `json:"recovery_time"`
	Tasks        taskstore.Stats `json:"tasks"`
}

// Controller 核心控制器
type Controller struct {
	store  taskstore.Store
	config Config

	mu           sync.Mutex
	started      bool
	stopped      bool
	cancel       context.CancelFunc
	group        *errgroup.Group
	startTime    time.Time
	recoveryTime time.Duration
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(store taskstore.Store, config Config) (*Controller, error) {
	if store == nil {
		return nil, errors.New("controller: task store is required")
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Second
	}
	if config.Policy == nil {
		config.Policy = retry.NewPolicy(retry.DefaultConfig(), nil)
	}
	if config.DeadLetters == nil {
		config.DeadLetters = deadletter.NewMemorySink()
	}
	if config.Publisher == nil {
		config.Publisher = notify.Nop{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Controller{store: store, config: config}, nil
}

func (c *Controller) now() time.Time { return c.config.Now().UTC() }

// Store returns the underlying task store.
func (c *Controller) Store() taskstore.Store { return c.store }

// Start 執行啟動掃描並啟動背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log.Info("Starting recovery sweep...")
	n, err := c.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	c.mu.Lock()
	c.recoveryTime = time.Since(c.startTime)
	c.mu.Unlock()
	c.config.Metrics.SetRecoveryTime(c.recoveryTime)
	c.updateQueueStats(ctx)
	log.Info("Recovery completed", "duration", c.recoveryTime, "expired_claims", n)

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return c.sweepLoop(gctx) })
	if snap, ok := c.store.(Snapshotter); ok && c.config.SnapshotInterval > 0 {
		g.Go(func() error { return c.snapshotLoop(gctx, snap) })
	}

	c.mu.Lock()
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	log.Info("Controller started", "sweepInterval", c.config.SweepInterval)
	return nil
}

// Stop 優雅關閉 Controller；儲存支援快照時寫入最後一次快照
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	log.Info("Stopping controller...")
	var err error
	if cancel != nil {
		cancel()
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}

	if snap, ok := c.store.(Snapshotter); ok {
		if serr := snap.Snapshot(); serr != nil {
			log.Error("Failed to take final snapshot", "error", serr)
			err = errors.Join(err, serr)
		}
	}
	log.Info("Controller stopped")
	return err
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// ============================================================================
// 背景循環
// ============================================================================

// sweepLoop 定期處理過期認領並更新佇列指標
func (c *Controller) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Sweep loop stopped")
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error("Sweep failed", "error", err)
			}
			c.updateQueueStats(ctx)
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context, snap Snapshotter) error {
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Snapshot loop stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := snap.Snapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
				continue
			}
			log.Debug("Snapshot taken", "duration", time.Since(start))
		}
	}
}

func (c *Controller) updateQueueStats(ctx context.Context) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return
	}
	c.config.Metrics.UpdateQueueStats(stats.Pending, stats.Running)
}

// Sweep 把認領已過期的任務當作一次 timeout 失敗交給重試策略，回傳處理數量
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	expired, err := c.store.Expired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	handled := 0
	for _, task := range expired {
		started := task.UpdatedAt
		att := types.TaskAttempt{
			StartedAt: started,
			EndedAt:   now,
			Outcome:   types.OutcomeTimedOut,
		}
		cause := fault.Transient(fault.KindTimeout,
			fmt.Errorf("claim expired at %s", task.ClaimExpiresAt.Format(time.RFC3339)))
		if _, err := c.fail(ctx, task, task.OwnerToken, att, cause); err != nil {
			// worker 剛好在掃描期間回報結果
			if errors.Is(err, taskstore.ErrStaleClaim) {
				continue
			}
			log.Error("Failed to expire claim", "taskID", task.ID, "error", err)
			continue
		}
		log.Warn("Claim expired", "taskID", task.ID, "kind", task.Kind, "attempt", task.AttemptCount+1)
		handled++
	}
	return handled, nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 冪等提交任務
func (c *Controller) Submit(ctx context.Context, req taskstore.SubmitRequest) (types.Task, bool, error) {
	if c.isStopped() {
		return types.Task{}, false, ErrStopped
	}
	if err := req.Validate(); err != nil {
		return types.Task{}, false, err
	}
	task, created, err := c.store.Submit(ctx, req, c.now())
	if err != nil {
		return types.Task{}, false, err
	}
	if created {
		c.config.Metrics.RecordSubmit(string(task.Kind))
		log.Debug("Task submitted", "taskID", task.ID, "kind", task.Kind, "key", task.IdempotencyKey)
	}
	return task, created, nil
}

// Claim 認領一個符合 kinds 的任務；沒有任務時回傳 nil
func (c *Controller) Claim(ctx context.Context, kinds []types.TaskKind) (*types.Task, error) {
	if c.isStopped() {
		return nil, ErrStopped
	}
	task, err := c.store.ClaimNext(ctx, taskstore.ClaimRequest{
		Kinds: kinds,
		Now:   c.now(),
		TTL:   c.config.Policy.ClaimTimeout,
	})
	if err != nil || task == nil {
		return nil, err
	}
	c.config.Metrics.RecordClaim(string(task.Kind))
	return task, nil
}

// Complete 回報成功；認領已失效時回傳 taskstore.ErrStaleClaim，結果被丟棄
func (c *Controller) Complete(ctx context.Context, id types.TaskID, owner string, result json.RawMessage, att types.TaskAttempt) error {
	if att.EndedAt.IsZero() {
		att.EndedAt = c.now()
	}
	task, err := c.store.Complete(ctx, taskstore.CompleteRequest{
		ID:         id,
		OwnerToken: owner,
		Result:     result,
		Attempt:    att,
		Now:        c.now(),
	})
	if err != nil {
		if errors.Is(err, taskstore.ErrStaleClaim) {
			log.Warn("Discarding result of stale claim", "taskID", id)
		}
		return err
	}

	c.config.Metrics.RecordCompleted(string(task.Kind), att.EndedAt.Sub(att.StartedAt))
	c.publish(ctx, notify.Event{
		Type:     notify.TaskCompleted,
		TaskID:   task.ID,
		Kind:     task.Kind,
		Attempts: task.AttemptCount,
		Result:   task.Result,
		TraceID:  task.TraceID,
	})
	log.Debug("Task completed", "taskID", id, "attempts", task.AttemptCount)
	return nil
}

// Fail 記錄一次失敗並依重試策略排程、標記 DEAD 或 FAILED
func (c *Controller) Fail(ctx context.Context, id types.TaskID, owner string, att types.TaskAttempt, cause error) error {
	task, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.fail(ctx, task, owner, att, cause)
	return err
}

func (c *Controller) fail(ctx context.Context, task types.Task, owner string, att types.TaskAttempt, cause error) (types.Task, error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	now := c.now()
	if att.EndedAt.IsZero() {
		att.EndedAt = now
	}
	if att.ErrorKind == "" {
		att.ErrorKind = fault.KindOf(cause)
	}
	att.ErrorMessage = cause.Error()

	decision := c.config.Policy.Decide(task.Kind, task.AttemptCount+1, cause, now)
	updated, err := c.store.Fail(ctx, taskstore.FailRequest{
		ID:            task.ID,
		OwnerToken:    owner,
		Attempt:       att,
		Status:        decision.Status,
		NextAttemptAt: decision.NextAttemptAt,
		Now:           now,
	})
	if err != nil {
		return types.Task{}, err
	}

	kind := string(updated.Kind)
	c.config.Metrics.RecordFailed(kind, string(fault.ClassOf(cause)), att.EndedAt.Sub(att.StartedAt))

	switch decision.Status {
	case types.StatusPending:
		log.Debug("Task requeued",
			"taskID", updated.ID, "attempt", updated.AttemptCount, "delay", decision.Delay, "error", cause)
	case types.StatusDead:
		c.config.Metrics.RecordDead(kind)
		c.deadLetter(ctx, updated, decision.Reason)
	case types.StatusFailed:
		log.Warn("Task failed", "taskID", updated.ID, "reason", decision.Reason, "error", cause)
		c.publish(ctx, notify.Event{
			Type:     notify.TaskFailed,
			TaskID:   updated.ID,
			Kind:     updated.Kind,
			Attempts: updated.AttemptCount,
			Error:    updated.LastError,
			TraceID:  updated.TraceID,
		})
	}
	return updated, nil
}

// deadLetter 寫入死信並發出 task.dead。寫入失敗只記 log：任務在儲存中已是 DEAD。
func (c *Controller) deadLetter(ctx context.Context, task types.Task, reason string) {
	attempts, err := c.store.Attempts(ctx, task.ID)
	if err != nil {
		log.Error("Failed to load attempts for dead letter", "taskID", task.ID, "error", err)
	}
	entry := deadletter.Entry{
		Task:       task,
		Attempts:   attempts,
		Reason:     reason,
		RecordedAt: c.now(),
	}
	if err := c.config.DeadLetters.Record(ctx, entry); err != nil {
		log.Error("Failed to record dead letter", "taskID", task.ID, "error", err)
	}
	log.Warn("Task marked as dead", "taskID", task.ID, "attempts", task.AttemptCount, "reason", reason)
	c.publish(ctx, notify.Event{
		Type:     notify.TaskDead,
		TaskID:   task.ID,
		Kind:     task.Kind,
		Attempts: task.AttemptCount,
		Error:    task.LastError,
		TraceID:  task.TraceID,
	})
}

// Defer 歸還認領，不消耗嘗試次數（依賴的熔斷器開啟時使用）
func (c *Controller) Defer(ctx context.Context, id types.TaskID, owner string, notBefore time.Time) error {
	task, err := c.store.Release(ctx, id, owner, notBefore, c.now())
	if err != nil {
		return err
	}
	c.config.Metrics.RecordReleased(string(task.Kind))
	log.Debug("Task deferred", "taskID", id, "until", task.ScheduledAt)
	return nil
}

// DeadLetters 查詢死信
func (c *Controller) DeadLetters(ctx context.Context, f deadletter.Filter) ([]deadletter.Entry, error) {
	return c.config.DeadLetters.List(ctx, f)
}

// Status 取得系統狀態
func (c *Controller) Status(ctx context.Context) (Status, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Tasks: stats, RecoveryTime: c.recoveryTime}
	if !c.startTime.IsZero() {
		st.Uptime = time.Since(c.startTime)
	}
	return st, nil
}

func (c *Controller) publish(ctx context.Context, ev notify.Event) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = c.now()
	if err := c.config.Publisher.Publish(ctx, ev); err != nil {
		log.Warn("Failed to publish event", "type", ev.Type, "taskID", ev.TaskID, "error", err)
	}
}
