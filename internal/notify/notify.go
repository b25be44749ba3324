// Package notify 對外事件：任務終態、文件套用/回滾、衝突升級
//
// 本核心只產生事件內容，不負責推送到 UI。Publisher 可以是行程內的 Bus、
// Redis Stream，或兩者的組合（Multi）。
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// EventType 事件類型
type EventType string

const (
	TaskCompleted      EventType = "task.completed"
	TaskFailed         EventType = "task.failed"
	TaskDead           EventType = "task.dead"
	DocumentApplied    EventType = "document.applied"
	DocumentRolledBack EventType = "document.rolled_back"
	ConflictEscalated  EventType = "conflict.escalated"
)

// Event 對外事件內容
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`

	// 任務事件
	TaskID   types.TaskID    `json:"task_id,omitempty"`
	Kind     types.TaskKind  `json:"kind,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// 文件事件
	DocumentID   types.DocumentID `json:"document_id,omitempty"`
	FromVersion  int64            `json:"from_version,omitempty"`
	ToVersion    int64            `json:"to_version,omitempty"`
	Diff         *types.Diff      `json:"diff,omitempty"`
	Conflicts    []types.Conflict `json:"conflicts,omitempty"`
	EscalationID string           `json:"escalation_id,omitempty"`
}

// Publisher 事件發送端
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi 依序發送到每個 Publisher，錯誤合併回傳
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, ev))
	}
	return err
}

type traceKey struct{}

// WithTraceID 把任務的 traceId 放進 ctx，之後產生的事件會帶上它
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom returns the trace id set by WithTraceID, or "".
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
