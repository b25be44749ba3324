package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// TaskContext 交給 handler 的執行環境
type TaskContext struct {
	Task     types.Task
	breakers *breaker.Registry
}

// NewTaskContext is used by the pool and by handler tests.
func NewTaskContext(task types.Task, breakers *breaker.Registry) *TaskContext {
	return &TaskContext{Task: task, breakers: breakers}
}

// Attempt is the number of the attempt being executed, starting at 1.
func (tc *TaskContext) Attempt() int { return tc.Task.AttemptCount + 1 }

// Call 經由具名依賴的熔斷器執行外部呼叫；沒有設定 Registry 時直接執行
func (tc *TaskContext) Call(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	if tc.breakers == nil {
		return fn(ctx)
	}
	return tc.breakers.Call(ctx, dependency, fn)
}

// Handler 任務處理函式。回傳的錯誤在 pool 邊界分類（見 internal/fault）。
type Handler func(ctx context.Context, tc *TaskContext) (json.RawMessage, error)

// Router 不可變的 kind → handler 對照表，啟動時建立一次
type Router struct {
	handlers map[types.TaskKind]Handler
	kinds    []types.TaskKind
}

// Lookup returns the handler for kind.
func (r *Router) Lookup(kind types.TaskKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the registered kinds in sorted order. Workers only claim these.
func (r *Router) Kinds() []types.TaskKind {
	return append([]types.TaskKind(nil), r.kinds...)
}

// Builder 收集 handler 後產生 Router
type Builder struct {
	handlers map[types.TaskKind]Handler
	errs     []error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[types.TaskKind]Handler)}
}

// Handle registers a raw handler for kind.
func (b *Builder) Handle(kind types.TaskKind, h Handler) *Builder {
	switch {
	case kind == "":
		b.errs = append(b.errs, errors.New("empty task kind"))
	case h == nil:
		b.errs = append(b.errs, fmt.Errorf("nil handler for %q", kind))
	default:
		if _, dup := b.handlers[kind]; dup {
			b.errs = append(b.errs, fmt.Errorf("duplicate handler for %q", kind))
			return b
		}
		b.handlers[kind] = h
	}
	return b
}

// Build freezes the registrations.
func (b *Builder) Build() (*Router, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	r := &Router{handlers: make(map[types.TaskKind]Handler, len(b.handlers))}
	for k, h := range b.handlers {
		r.handlers[k] = h
		r.kinds = append(r.kinds, k)
	}
	sort.Slice(r.kinds, func(i, j int) bool { return r.kinds[i] < r.kinds[j] })
	return r, nil
}

// Register 註冊型別化 handler：payload 以 JSON 解碼成 P，結果編碼成 JSON。
// 無法解碼的 payload 是永久錯誤，不會重試。
func Register[P, R any](b *Builder, kind types.TaskKind, fn func(ctx context.Context, tc *TaskContext, payload P) (R, error)) *Builder {
	return b.Handle(kind, func(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
		var payload P
		if len(tc.Task.Payload) > 0 {
			if err := json.Unmarshal(tc.Task.Payload, &payload); err != nil {
				return nil, fault.Permanent(fault.KindMalformed, fmt.Errorf("decode %s payload: %w", kind, err))
			}
		}
		res, err := fn(ctx, tc, payload)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fault.Permanent(fault.KindMalformed, fmt.Errorf("encode %s result: %w", kind, err))
		}
		return raw, nil
	})
}
