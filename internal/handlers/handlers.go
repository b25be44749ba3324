// Package handlers 內建任務 handler
//
//	changeset.apply  在任務中執行 Change Engine
//	webhook.deliver  經由熔斷器把事件 POST 到外部端點
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/itinerary-coord/internal/changeengine"
	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Task kinds served by this package.
const (
	KindChangeSetApply types.TaskKind = "changeset.apply"
	KindWebhookDeliver types.TaskKind = "webhook.deliver"
)

// Deps 內建 handler 需要的元件；nil 的元件對應的 handler 不註冊
type Deps struct {
	Engine *changeengine.Engine
	HTTP   *http.Client
}

// Register adds every handler whose dependency is present.
func Register(b *worker.Builder, deps Deps) *worker.Builder {
	if deps.Engine != nil {
		worker.Register(b, KindChangeSetApply, ApplyChangeSet(deps.Engine))
	}
	client := deps.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	worker.Register(b, KindWebhookDeliver, DeliverWebhook(client))
	return b
}

// ApplyChangeSet runs the engine on the task payload.
//
// 衝突錯誤（*VersionMismatchError、*OperationError）分類為 Conflict，
// 任務直接 FAILED，不會重試同一個過期的 ChangeSet。
func ApplyChangeSet(eng *changeengine.Engine) func(context.Context, *worker.TaskContext, types.ChangeSet) (*types.ApplyResult, error) {
	return func(ctx context.Context, tc *worker.TaskContext, cs types.ChangeSet) (*types.ApplyResult, error) {
		if cs.IdempotencyKey == "" {
			cs.IdempotencyKey = tc.Task.IdempotencyKey
		}
		if cs.Origin == "" {
			cs.Origin = "task:" + string(tc.Task.ID)
		}
		res, err := eng.Apply(ctx, cs)
		if err != nil {
			return nil, fmt.Errorf("apply change set %s to %s: %w", cs.ID, cs.DocumentID, err)
		}
		return res, nil
	}
}
