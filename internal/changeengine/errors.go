package changeengine

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var (
	// ErrVersionMismatch is matched by every *VersionMismatchError.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrCommitContention 提交一直輸給其他寫入者
	ErrCommitContention = errors.New("commit retries exhausted")
	// ErrInvalidRollback 目標版本不在 [0, 目前版本) 之內
	ErrInvalidRollback = errors.New("invalid rollback target")
)

// VersionMismatchError ChangeSet 的基底版本已過時，且衝突無法全部自動解決。
// 未解決的衝突已寫入升級紀錄（EscalationID）。
//
// 每個操作索引恰好出現在一處：Clean、Resolved 或 Unresolved（以 OpIndex 計）。
type VersionMismatchError struct {
	DocumentID     types.DocumentID
	BaseVersion    int64
	CurrentVersion int64
	Conflicts      []types.Conflict // 偵測到的全部衝突
	Resolved       []types.Conflict
	Unresolved     []types.Conflict

	// Clean 沒有衝突、若其他操作解決即可套用的操作索引
	Clean        []int
	EscalationID string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("document %s: base version %d is behind %d (%d unresolved conflicts, max severity %s)",
		e.DocumentID, e.BaseVersion, e.CurrentVersion, len(e.Unresolved), types.MaxSeverity(e.Unresolved))
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// FaultClass routes the error to the conflict path instead of the retry path.
func (e *VersionMismatchError) FaultClass() fault.Class { return fault.ClassConflict }

// OperationError 基底版本相符，但某個操作無法套用（例如目標被鎖定）。
type OperationError struct {
	DocumentID   types.DocumentID
	Index        int
	Conflict     types.Conflict
	EscalationID string
	Err          error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("document %s: operation %d (%s %s): %v",
		e.DocumentID, e.Index, e.Conflict.Operation.Kind, e.Conflict.TargetID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) FaultClass() fault.Class { return fault.ClassConflict }
