// Package types 定義了 itinerary-coord 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"
)

// TaskID 任務唯一識別碼
type TaskID string

// TaskKind 任務類型，用於路由到對應的 handler
type TaskKind string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusPending   TaskStatus = "PENDING"   // 待處理：已建立或等待重試
	StatusRunning   TaskStatus = "RUNNING"   // 執行中：被某個 worker 認領
	StatusCompleted TaskStatus = "COMPLETED" // 完成（終態）
	StatusFailed    TaskStatus = "FAILED"    // 失敗（終態）：協議錯誤或衝突升級，不重試
	StatusDead      TaskStatus = "DEAD"      // 死信（終態）：重試耗盡或永久錯誤
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDead
}

// Task 任務結構，代表系統中一個可重試的延遲工作單元
type Task struct {
	// 識別與資料
	ID             TaskID          `json:"task_id"`
	Kind           TaskKind        `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	TraceID        string          `json:"trace_id,omitempty"` // 僅傳遞，不解讀

	// 狀態追蹤
	Status       TaskStatus `json:"status"`
	OwnerToken   string     `json:"owner_token,omitempty"` // 只有 RUNNING 時非空
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`

	// 排程
	Priority       int        `json:"priority"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Seq 是提交順序，同優先級同排程時間時作為 FIFO 的最後判斷依據
	Seq uint64 `json:"seq"`
}

// ClaimExpired reports whether a RUNNING task's claim has lapsed at now.
func (t *Task) ClaimExpired(now time.Time) bool {
	return t.Status == StatusRunning && t.ClaimExpiresAt != nil && !now.Before(*t.ClaimExpiresAt)
}

// Clone returns a deep copy safe to hand out of a store.
func (t Task) Clone() Task {
	c := t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		c.NextRetryAt = &v
	}
	if t.ClaimExpiresAt != nil {
		v := *t.ClaimExpiresAt
		c.ClaimExpiresAt = &v
	}
	return c
}

// AttemptOutcome 單次執行的結果
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "SUCCEEDED"
	OutcomeFailed    AttemptOutcome = "FAILED"
	OutcomeTimedOut  AttemptOutcome = "TIMED_OUT"
)

// TaskAttempt 每次執行追加的不可變紀錄，用於稽核與計算重試延遲
type TaskAttempt struct {
	TaskID        TaskID         `json:"task_id"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// SnapshotData 快照資料，用於任務佇列狀態的持久化和恢復
type SnapshotData struct {
	Tasks     map[TaskID]*Task         `json:"tasks"`
	Attempts  map[TaskID][]TaskAttempt `json:"attempts"`
	SchemaVer int                      `json:"schema_ver"`
	LastSeq   uint64                   `json:"last_seq"` // 快照涵蓋的最後 WAL 序號
}
