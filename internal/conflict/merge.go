package conflict

import (
	"fmt"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// MergeResult 三方合併結果
type MergeResult struct {
	// Applicable 以 current 為基底、可安全套用的操作
	Applicable types.ChangeSet
	// Conflicts 每個被排除的操作各一筆
	Conflicts []types.Conflict
}

// Merge 把 incoming（基於 base 建立）對齊到 current。只保留目標存在且未鎖定的
// 操作（ADD 則要求目標不存在），其餘全部回報為衝突。
func Merge(base, current *types.Document, incoming types.ChangeSet) MergeResult {
	res := MergeResult{Applicable: incoming.Clone()}
	res.Applicable.BaseVersion = current.Version
	res.Applicable.Operations = make([]types.ChangeOperation, 0, len(incoming.Operations))

	scratch := current.Clone()
	for i, op := range incoming.Operations {
		if c, ok := mergeConflict(base, scratch, i, op); ok {
			res.Conflicts = append(res.Conflicts, c)
			continue
		}
		if err := scratch.Apply(op); err != nil {
			opCopy := op.Clone()
			res.Conflicts = append(res.Conflicts, types.Conflict{
				Type:        types.ConflictOperation,
				Severity:    types.SeverityMedium,
				Description: err.Error(),
				TargetID:    op.TargetID,
				Operation:   &opCopy,
				OpIndex:     i,
			})
			continue
		}
		res.Applicable.Operations = append(res.Applicable.Operations, op.Clone())
	}
	return res
}

func mergeConflict(base, current *types.Document, i int, op types.ChangeOperation) (types.Conflict, bool) {
	opCopy := op.Clone()
	c := types.Conflict{TargetID: op.TargetID, Operation: &opCopy, OpIndex: i}

	if err := op.Validate(); err != nil {
		c.Type, c.Severity, c.Description = types.ConflictOperation, types.SeverityMedium, err.Error()
		return c, true
	}

	cur, exists := current.Elements[op.TargetID]
	if exists {
		el := cur.Clone()
		c.Current = &el
	}
	_, inBase := base.Elements[op.TargetID]

	switch {
	case op.Kind == types.OpAdd && exists:
		c.Type, c.Severity = types.ConflictOperation, types.SeverityMedium
		c.Description = fmt.Sprintf("%s was added concurrently", op.TargetID)
	case op.Kind != types.OpAdd && !exists:
		c.Type, c.Severity = types.ConflictTargetNotFound, types.SeverityHigh
		if op.Kind == types.OpDelete {
			c.Severity = types.SeverityLow
		}
		if inBase {
			c.Description = fmt.Sprintf("%s was removed after version %d", op.TargetID, base.Version)
		} else {
			c.Description = fmt.Sprintf("%s does not exist", op.TargetID)
		}
	case op.Kind != types.OpAdd && cur.Locked:
		c.Type, c.Severity = types.ConflictTargetLocked, types.SeverityHigh
		c.Description = fmt.Sprintf("%s is locked", op.TargetID)
	default:
		return types.Conflict{}, false
	}
	return c, true
}
