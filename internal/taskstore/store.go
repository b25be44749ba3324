// Package taskstore 持久化任務佇列：提交、認領、完成、失敗、釋放
//
// 三種實作：
//   - Memory：記憶體狀態機（每個 kind 一組 ready / delayed heap + 冪等索引）
//   - Durable：Memory + WAL + 快照，重啟後恢復
//   - sqlitestore.Store：SQLite，單一 UPDATE ... RETURNING 完成認領
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var (
	// ErrTaskNotFound 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// ErrStaleClaim 認領已過期或已被其他 worker 取得；呼叫端的結果應被丟棄
	ErrStaleClaim = errors.New("stale claim: owner token does not match")
	// ErrInvalidRequest 請求欄位缺失
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClosed 儲存已關閉
	ErrClosed = errors.New("task store closed")
)

// SubmitRequest 提交任務的參數
type SubmitRequest struct {
	Kind           types.TaskKind  `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
	NotBefore      time.Time       `json:"not_before,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// Validate checks the required fields.
func (r SubmitRequest) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	return nil
}

// ClaimRequest 認領參數；Kinds 是 worker 宣告的能力
type ClaimRequest struct {
	Kinds []types.TaskKind
	Now   time.Time
	TTL   func(types.TaskKind) time.Duration
}

func (r ClaimRequest) ttl(kind types.TaskKind) time.Duration {
	if r.TTL == nil {
		return 30 * time.Second
	}
	return r.TTL(kind)
}

// FailRequest 記錄一次失敗並套用重試決策
type FailRequest struct {
	ID            types.TaskID
	OwnerToken    string
	Attempt       types.TaskAttempt // AttemptNumber 由儲存端指定
	Status        types.TaskStatus  // PENDING、DEAD 或 FAILED
	NextAttemptAt time.Time         // Status 為 PENDING 時的下次排程時間
	Now           time.Time
}

// CompleteRequest 回報成功
type CompleteRequest struct {
	ID         types.TaskID
	OwnerToken string
	Result     json.RawMessage
	Attempt    types.TaskAttempt
	Now        time.Time
}

// Stats 佇列統計
type Stats struct {
	Pending   int                    `json:"pending"`
	Running   int                    `json:"running"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Dead      int                    `json:"dead"`
	ByKind    map[types.TaskKind]int `json:"pending_by_kind"`
}

func (s *Stats) add(t *types.Task) {
	switch t.Status {
	case types.StatusPending:
		s.Pending++
		s.ByKind[t.Kind]++
	case types.StatusRunning:
		s.Running++
	case types.StatusCompleted:
		s.Completed++
	case types.StatusFailed:
		s.Failed++
	case types.StatusDead:
		s.Dead++
	}
}

// Store 任務儲存介面。所有狀態轉換對並發呼叫者都是原子的。
type Store interface {
	// Submit 冪等提交；相同 IdempotencyKey 回傳既有任務且 created 為 false
	Submit(ctx context.Context, req SubmitRequest, now time.Time) (task types.Task, created bool, err error)
	// ClaimNext 認領一個符合能力的到期任務；沒有可認領任務時回傳 nil
	ClaimNext(ctx context.Context, req ClaimRequest) (*types.Task, error)
	Complete(ctx context.Context, req CompleteRequest) (types.Task, error)
	Fail(ctx context.Context, req FailRequest) (types.Task, error)
	// Release 歸還認領，不消耗嘗試次數
	Release(ctx context.Context, id types.TaskID, ownerToken string, notBefore, now time.Time) (types.Task, error)
	// Expired 列出認領已過期的 RUNNING 任務
	Expired(ctx context.Context, now time.Time) ([]types.Task, error)
	Get(ctx context.Context, id types.TaskID) (types.Task, error)
	Attempts(ctx context.Context, id types.TaskID) ([]types.TaskAttempt, error)
	Stats(ctx context.Context) (Stats, error)
	// NextDue 回傳指定 kinds 中最早可執行的 PENDING 任務時間
	NextDue(ctx context.Context, kinds []types.TaskKind) (time.Time, bool, error)
	// Changes 有新的可認領任務時發出訊號（緩衝 1，會合併）
	Changes() <-chan struct{}
	Close() error
}
