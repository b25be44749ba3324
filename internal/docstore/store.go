// Package docstore 版本化文件的儲存：文件、只增的修訂紀錄與衝突升級紀錄
//
// Commit 是 compare-and-swap：只有目前版本等於 rev.FromVersion 時才寫入，
// 否則回傳 ErrVersionConflict，由變更引擎重新偵測衝突。
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	// ErrVersionConflict 提交時文件版本已前進
	ErrVersionConflict = errors.New("document version conflict")
)

// Store 文件儲存介面。對同一份文件的 Commit 互斥，不同文件互不影響。
type Store interface {
	Create(ctx context.Context, doc *types.Document) error
	// Load 回傳深拷貝，呼叫端可以直接修改
	Load(ctx context.Context, id types.DocumentID) (*types.Document, error)
	Commit(ctx context.Context, doc *types.Document, rev types.Revision) error
	// Revisions 回傳 ToVersion > afterVersion 的修訂，依版本排序
	Revisions(ctx context.Context, id types.DocumentID, afterVersion int64) ([]types.Revision, error)
	// RevisionByKey 以 ChangeSet 冪等鍵查詢已提交的修訂
	RevisionByKey(ctx context.Context, id types.DocumentID, key string) (*types.Revision, bool, error)
	RecordEscalation(ctx context.Context, esc types.Escalation) error
	Escalations(ctx context.Context, id types.DocumentID) ([]types.Escalation, error)
	Close() error
}

// checkCommit 驗證修訂與新文件一致
func checkCommit(doc *types.Document, rev types.Revision) error {
	if doc.ID != rev.DocumentID {
		return fmt.Errorf("commit %s: revision belongs to %s", doc.ID, rev.DocumentID)
	}
	if rev.ToVersion != rev.FromVersion+1 || doc.Version != rev.ToVersion {
		return fmt.Errorf("commit %s: version must advance by one (from %d to %d, doc %d)",
			doc.ID, rev.FromVersion, rev.ToVersion, doc.Version)
	}
	return nil
}
