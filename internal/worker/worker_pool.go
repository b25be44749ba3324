// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，從 TaskSource 認領並執行任務
//
// 架構組件:
//   ┌─────────────┐
//   │ TaskSource  │ <──Claim()── Worker 1..N ──Complete/Fail/Defer()──> TaskSource
//   └─────────────┘                  │
//                                    └── Router: kind → Handler（啟動前建立，之後不變）
//
// 生命週期:
//   1. NewPool(source, router, cfg)
//   2. Start(ctx) - 啟動 N 個 Worker
//   3. Stop()     - 取消 context，等待執行中的任務回報後退出
//
// 閒置等待:
//   source 實作 Notifier 時，Worker 等待 Changes() 訊號或最早到期時間；
//   否則每 PollInterval 重新認領一次。
//
// 錯誤處理:
//   - handler 錯誤與 panic 在此邊界分類（internal/fault）
//   - 熔斷器開啟（breaker.ErrOpen）→ Defer，不消耗嘗試次數
//   - Pool 關閉時執行中的任務被取消，認領以 Defer 歸還
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/itinerary-coord/internal/worker"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrNoHandlers Router 沒有任何 handler
	ErrNoHandlers = errors.New("worker pool has no handlers")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pool 配置
type Config struct {
	Workers      int           // Worker 數量
	PollInterval time.Duration // 無 Notifier 或等待訊號時的最長間隔
	// DeferDelay 熔斷器沒有提供 RetryAt 時，歸還認領後的延遲
	DeferDelay time.Duration
	// ReportTimeout 回報結果給 source 的逾時
	ReportTimeout time.Duration
	Breakers      *breaker.Registry
	Now           func() time.Time
}

// Pool 代表 Worker 池
type Pool struct {
	source TaskSource
	router *Router
	cfg    Config
	tracer trace.Tracer

	mu      sync.Mutex
	workers []*Worker
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active    atomic.Int64
	processed atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(source TaskSource, router *Router, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 5 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		source: source,
		router: router,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// Start 啟動 cfg.Workers 個 Worker
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	if p.router == nil || len(p.router.kinds) == 0 {
		return ErrNoHandlers
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.started = true
	log.Info("Worker pool started", "workers", p.cfg.Workers, "kinds", p.router.kinds)
	return nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped，取消 context
//  2. 閒置的 Worker 立即返回；執行中的任務被取消，認領以 Defer 歸還
//  3. 等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	log.Info("Worker pool stopped", "processed", p.processed.Load())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Active 正在執行的任務數
func (p *Pool) Active() int { return int(p.active.Load()) }

// Processed 已執行完畢（不論結果）的任務數
func (p *Pool) Processed() int64 { return p.processed.Load() }
