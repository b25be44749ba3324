// ============================================================================
// Coordination Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
//
// 指標分類:
//
//   1. 任務 (Counter，依 kind 標記)：
//      - coord_tasks_submitted_total
//      - coord_tasks_claimed_total
//      - coord_tasks_completed_total
//      - coord_task_attempts_failed_total{kind, class}
//      - coord_tasks_dead_total
//      - coord_tasks_released_total    熔斷器開啟時歸還的認領
//
//   2. 延遲 (Histogram)：
//      - coord_task_duration_seconds{kind}
//      - coord_apply_duration_seconds
//
//   3. 文件變更：
//      - coord_changesets_total{result}   applied / resolved / rejected / error
//      - coord_conflicts_total{type, severity}
//      - coord_rollbacks_total
//
//   4. 狀態 (Gauge)：
//      - coord_tasks_pending / coord_tasks_running
//      - coord_recovery_time_seconds  最近一次啟動恢復時間
//      - coord_breaker_state{dependency}  0=CLOSED 1=OPEN 2=HALF_OPEN
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   sum(rate(coord_tasks_completed_total[1m])) by (kind)
//
//   # 自動解決比例
//   rate(coord_changesets_total{result="resolved"}[5m]) / rate(coord_changesets_total[5m])
//
// 所有方法對 nil *Collector 都是 no-op，元件可以不接指標。
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	submitted *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dead      *prometheus.CounterVec
	released  *prometheus.CounterVec

	taskDuration  *prometheus.HistogramVec
	applyDuration prometheus.Histogram

	changeSets *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	rollbacks  prometheus.Counter

	pending      prometheus.Gauge
	running      prometheus.Gauge
	recoveryTime prometheus.Gauge
	breakerState *prometheus.GaugeVec
}

// NewCollector 建立指標並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_tasks_submitted_total",
			Help: "Tasks accepted by submit (duplicates excluded)",
		}, []string{"kind"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_tasks_claimed_total",
			Help: "Tasks claimed by workers",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_tasks_completed_total",
			Help: "Tasks completed successfully",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_task_attempts_failed_total",
			Help: "Failed task attempts by error class",
		}, []string{"kind", "class"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_tasks_dead_total",
			Help: "Tasks moved to the dead letter sink",
		}, []string{"kind"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_tasks_released_total",
			Help: "Claims returned without consuming an attempt",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coord_task_duration_seconds",
			Help:    "Task handler execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_apply_duration_seconds",
			Help:    "ChangeSet apply latency including conflict handling",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		changeSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_changesets_total",
			Help: "ChangeSet apply outcomes",
		}, []string{"result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_conflicts_total",
			Help: "Detected conflicts by type and severity",
		}, []string{"type", "severity"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_rollbacks_total",
			Help: "Committed rollbacks",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_tasks_pending",
			Help: "Current number of pending tasks",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_tasks_running",
			Help: "Current number of running tasks",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_recovery_time_seconds",
			Help: "Time taken to recover task state on start",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coord_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
	}

	reg.MustRegister(
		c.submitted, c.claimed, c.completed, c.failed, c.dead, c.released,
		c.taskDuration, c.applyDuration,
		c.changeSets, c.conflicts, c.rollbacks,
		c.pending, c.running, c.recoveryTime, c.breakerState,
	)
	return c
}

// RecordSubmit 記錄新任務
func (c *Collector) RecordSubmit(kind string) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(kind).Inc()
}

// RecordClaim 記錄任務被認領
func (c *Collector) RecordClaim(kind string) {
	if c == nil {
		return
	}
	c.claimed.WithLabelValues(kind).Inc()
}

// RecordCompleted 記錄任務完成與執行時間
func (c *Collector) RecordCompleted(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.completed.WithLabelValues(kind).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFailed 記錄一次失敗的嘗試
func (c *Collector) RecordFailed(kind, class string, d time.Duration) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(kind, class).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordDead 記錄任務進入死信
func (c *Collector) RecordDead(kind string) {
	if c == nil {
		return
	}
	c.dead.WithLabelValues(kind).Inc()
}

// RecordReleased 記錄不計次數的認領歸還
func (c *Collector) RecordReleased(kind string) {
	if c == nil {
		return
	}
	c.released.WithLabelValues(kind).Inc()
}

// RecordApply 記錄 ChangeSet 結果；result 為 applied、resolved、rejected 或 error
func (c *Collector) RecordApply(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.changeSets.WithLabelValues(result).Inc()
	c.applyDuration.Observe(d.Seconds())
}

// RecordConflict 記錄偵測到的衝突
func (c *Collector) RecordConflict(conflictType, severity string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(conflictType, severity).Inc()
}

// RecordRollback 記錄一次回滾
func (c *Collector) RecordRollback() {
	if c == nil {
		return
	}
	c.rollbacks.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, running int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(pending))
	c.running.Set(float64(running))
}

// SetBreakerState 更新熔斷器狀態；state 為 breaker.State 的數值
func (c *Collector) SetBreakerState(dependency string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// Handler 回傳 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
