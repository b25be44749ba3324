package conflict

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Resolution 自動解決的結果
type Resolution struct {
	FullyResolved bool
	// Adjusted 已 rebase 到目前版本、移除或調整過操作的 ChangeSet
	Adjusted   types.ChangeSet
	Resolved   []types.Conflict
	Unresolved []types.Conflict
	// Clean 沒有任何衝突、原樣保留的操作索引
	Clean []int
}

// Resolver 依固定規則自動解決低嚴重度衝突
type Resolver struct {
	cfg Config
}

// NewResolver shares the detector's configuration.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{cfg: NewDetector(cfg).cfg}
}

type action int

const (
	keep action = iota
	drop
	shift
	escalate
)

// Resolve 處理 conflicts，回傳調整後的 ChangeSet。每個原始操作最後只會是
// 原樣保留（Clean）、已解決（移除或平移，衝突在 Resolved），或留在 Unresolved 中。
//
// 操作依序在 doc 的副本上重演：平移時看得到前面操作（包括已平移的）佔用的時段，
// 被移除的操作則不留下任何效果。
func (r *Resolver) Resolve(doc *types.Document, cs types.ChangeSet, conflicts []types.Conflict) Resolution {
	res := Resolution{Adjusted: cs.Clone()}
	res.Adjusted.BaseVersion = doc.Version

	byOp := make(map[int][]types.Conflict)
	for _, c := range conflicts {
		if c.OpIndex < 0 || c.OpIndex >= len(cs.Operations) {
			if c.Type == types.ConflictVersionMismatch && c.Severity <= types.SeverityLow {
				res.Resolved = append(res.Resolved, c)
			} else {
				res.Unresolved = append(res.Unresolved, c)
			}
			continue
		}
		byOp[c.OpIndex] = append(byOp[c.OpIndex], c)
	}

	scratch := doc.Clone()
	ops := make([]types.ChangeOperation, 0, len(cs.Operations))
	for i, op := range res.Adjusted.Operations {
		list := byOp[i]
		act := planFor(op, list)
		if act == keep {
			// 前面的操作平移後可能佔用這個時段
			if c, ok := overlapConflict(scratch, i, op); ok {
				list = append(list, c)
				act = planFor(op, list)
			}
		}

		switch act {
		case keep:
			res.Clean = append(res.Clean, i)
			ops = append(ops, op)
			_ = scratch.Apply(op)
		case drop:
			res.Resolved = append(res.Resolved, list...)
		case shift:
			moved, ok := r.shift(scratch, op)
			if !ok {
				for j := range list {
					list[j].Description += fmt.Sprintf("; no free slot within %s", r.cfg.OverlapHorizon)
				}
				res.Unresolved = append(res.Unresolved, list...)
				ops = append(ops, op)
				continue
			}
			res.Resolved = append(res.Resolved, list...)
			ops = append(ops, moved)
			_ = scratch.Apply(moved)
		default:
			// 同一操作有任何無法處理的衝突時，整個操作的衝突都升級
			res.Unresolved = append(res.Unresolved, list...)
			ops = append(ops, op)
		}
	}

	res.Adjusted.Operations = ops
	res.FullyResolved = len(res.Unresolved) == 0
	return res
}

// planFor 決定一個操作的處理方式：任何無法處理的衝突都升級，其次移除，最後平移
func planFor(op types.ChangeOperation, list []types.Conflict) action {
	drops, shifts := false, false
	for _, c := range list {
		switch {
		case c.Type == types.ConflictTargetNotFound && op.Kind == types.OpDelete:
			drops = true
		case c.Type == types.ConflictConcurrentModification && c.Severity == types.SeverityLow:
			drops = true
		case c.Type == types.ConflictTimingOverlap && c.Severity == types.SeverityLow:
			shifts = true
		default:
			return escalate
		}
	}
	switch {
	case drops:
		return drop
	case shifts:
		return shift
	}
	return keep
}

// shift 以 OverlapStep 為單位把時間區間往後推，直到與 doc 不再重疊或超過 OverlapHorizon。
// 原時段在 doc 中已經空出來時不移動。
func (r *Resolver) shift(doc *types.Document, op types.ChangeOperation) (types.ChangeOperation, bool) {
	if !op.HasSchedule() {
		return op, false
	}
	container := doc.TargetContainer(op)
	start, end := *op.Start, *op.End
	for off := time.Duration(0); off <= r.cfg.OverlapHorizon; off += r.cfg.OverlapStep {
		s, e := start.Add(off), end.Add(off)
		if _, busy := firstOverlap(doc, op.TargetID, container, s, e); !busy {
			out := op.Clone()
			out.Start, out.End = timePtr(s), timePtr(e)
			return out, true
		}
	}
	return op, false
}

func timePtr(t time.Time) *time.Time { return &t }
