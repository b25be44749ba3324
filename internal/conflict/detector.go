// ============================================================================
// 衝突偵測與解決
// ============================================================================
//
// Package: internal/conflict
//
// Detect: ChangeSet 的 BaseVersion 落後時，逐一檢查每個操作與目前文件:
//
//   類型                      嚴重度
//   VERSION_MISMATCH          LOW（總是出現，代表需要 rebase）
//   TARGET_NOT_FOUND          DELETE 為 LOW（已達成），其他 HIGH
//   TARGET_LOCKED             HIGH
//   TIMING_OVERLAP            LOW；另一個元素被鎖定時 MEDIUM
//   CAPACITY_EXCEEDED         MEDIUM
//   CONCURRENT_MODIFICATION   操作與中間修訂的結果相同時 LOW，否則 MEDIUM
//   OPERATION_CONFLICT        MEDIUM（例如 ADD 已存在的元素）
//
// Resolve: 只自動處理 LOW 的 VERSION_MISMATCH / CONCURRENT_MODIFICATION /
// TIMING_OVERLAP 與 DELETE 的 TARGET_NOT_FOUND，其餘一律升級。操作依序重演，
// 平移會避開同一批次中前面的操作。
//
// Merge: 長時間存在的提案（預覽）對已前進的文件做三方合併；
// 不能安全套用的操作全部回報為衝突，不會默默丟棄。
// ============================================================================

package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Config 偵測與解決參數
type Config struct {
	// ContainerCapacity 每個容器的元素上限；未列出的容器使用 DefaultCapacity
	ContainerCapacity map[string]int `yaml:"container_capacity"`
	// DefaultCapacity 0 表示不限制
	DefaultCapacity int           `yaml:"default_capacity"`
	OverlapStep     time.Duration `yaml:"overlap_step"`
	OverlapHorizon  time.Duration `yaml:"overlap_horizon"`
}

// DefaultConfig 15 分鐘步進，最多往後找 24 小時
func DefaultConfig() Config {
	return Config{
		OverlapStep:    15 * time.Minute,
		OverlapHorizon: 24 * time.Hour,
	}
}

// Capacity 回傳 container 的上限，0 表示不限制
func (c Config) Capacity(container string) int {
	if n, ok := c.ContainerCapacity[container]; ok {
		return n
	}
	return c.DefaultCapacity
}

// Detector 衝突偵測器，無狀態
type Detector struct {
	cfg Config
}

// NewDetector builds a detector; zero step and horizon fall back to DefaultConfig.
func NewDetector(cfg Config) *Detector {
	d := DefaultConfig()
	if cfg.OverlapStep <= 0 {
		cfg.OverlapStep = d.OverlapStep
	}
	if cfg.OverlapHorizon <= 0 {
		cfg.OverlapHorizon = d.OverlapHorizon
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Detect 檢查 cs 對 doc 的衝突。since 是 cs.BaseVersion 之後提交的修訂，
// 用來判斷 CONCURRENT_MODIFICATION。
func (d *Detector) Detect(doc *types.Document, cs types.ChangeSet, since []types.Revision) []types.Conflict {
	var out []types.Conflict
	if cs.BaseVersion != doc.Version {
		out = append(out, types.Conflict{
			Type:        types.ConflictVersionMismatch,
			Severity:    types.SeverityLow,
			Description: fmt.Sprintf("base version %d, document is at %d", cs.BaseVersion, doc.Version),
			OpIndex:     -1,
		})
	}

	touched := touchedSince(since, cs.BaseVersion)
	scratch := doc.Clone()
	for i, op := range cs.Operations {
		found := d.inspect(scratch, i, op, touched)
		out = append(out, found...)
		// 沒有阻擋性衝突的操作套用到 scratch，讓後面的操作看到它的效果
		if !blocking(found) {
			_ = scratch.Apply(op)
		}
	}
	return out
}

// touchedSince 收集 base 之後被修改過的元素，值為最後修改它的版本
func touchedSince(since []types.Revision, base int64) map[string]int64 {
	touched := make(map[string]int64)
	for i := range since {
		r := &since[i]
		if r.FromVersion < base {
			continue
		}
		for _, id := range r.Touched() {
			touched[id] = r.ToVersion
		}
	}
	return touched
}

func blocking(cs []types.Conflict) bool {
	for _, c := range cs {
		switch c.Type {
		case types.ConflictTargetNotFound, types.ConflictTargetLocked, types.ConflictOperation, types.ConflictCapacityExceeded:
			return true
		}
	}
	return false
}

func (d *Detector) inspect(doc *types.Document, i int, op types.ChangeOperation, touched map[string]int64) []types.Conflict {
	opCopy := op.Clone()
	conflict := func(t types.ConflictType, sev types.Severity, cur *types.Element, format string, args ...any) types.Conflict {
		return types.Conflict{
			Type:        t,
			Severity:    sev,
			Description: fmt.Sprintf(format, args...),
			TargetID:    op.TargetID,
			Current:     cur,
			Operation:   &opCopy,
			OpIndex:     i,
		}
	}

	if err := op.Validate(); err != nil {
		return []types.Conflict{conflict(types.ConflictOperation, types.SeverityMedium, nil, "invalid operation: %v", err)}
	}

	cur, exists := doc.Elements[op.TargetID]
	var curPtr *types.Element
	if exists {
		c := cur.Clone()
		curPtr = &c
	}

	var out []types.Conflict
	if op.Kind == types.OpAdd {
		if exists {
			if _, seen := touched[op.TargetID]; seen && redundant(doc, op) {
				return []types.Conflict{conflict(types.ConflictConcurrentModification, types.SeverityLow, curPtr,
					"%s was already added with the same content", op.TargetID)}
			}
			return []types.Conflict{conflict(types.ConflictOperation, types.SeverityMedium, curPtr,
				"%s already exists", op.TargetID)}
		}
	} else {
		if !exists {
			sev := types.SeverityHigh
			if op.Kind == types.OpDelete {
				sev = types.SeverityLow
			}
			return []types.Conflict{conflict(types.ConflictTargetNotFound, sev, nil,
				"%s no longer exists", op.TargetID)}
		}
		if cur.Locked {
			return []types.Conflict{conflict(types.ConflictTargetLocked, types.SeverityHigh, curPtr,
				"%s is locked", op.TargetID)}
		}
	}

	if c, ok := d.capacity(doc, op); ok {
		out = append(out, conflict(types.ConflictCapacityExceeded, types.SeverityMedium, curPtr, "%s", c))
	}

	if v, ok := touched[op.TargetID]; ok {
		if redundant(doc, op) {
			out = append(out, conflict(types.ConflictConcurrentModification, types.SeverityLow, curPtr,
				"%s changed at version %d with the same result", op.TargetID, v))
		} else {
			out = append(out, conflict(types.ConflictConcurrentModification, types.SeverityMedium, curPtr,
				"%s changed at version %d", op.TargetID, v))
		}
	}

	if c, ok := overlapConflict(doc, i, op); ok {
		out = append(out, c)
	}
	return out
}

// overlapConflict 回報 op 與 doc 中同容器元素的時間重疊；對方被鎖定時為 MEDIUM
func overlapConflict(doc *types.Document, i int, op types.ChangeOperation) (types.Conflict, bool) {
	other, ok := overlapping(doc, op)
	if !ok {
		return types.Conflict{}, false
	}
	sev := types.SeverityLow
	if other.Locked {
		sev = types.SeverityMedium
	}
	opCopy := op.Clone()
	c := types.Conflict{
		Type:        types.ConflictTimingOverlap,
		Severity:    sev,
		Description: fmt.Sprintf("%s overlaps %s in %s", op.TargetID, other.ID, doc.TargetContainer(op)),
		TargetID:    op.TargetID,
		Operation:   &opCopy,
		OpIndex:     i,
	}
	if cur, exists := doc.Elements[op.TargetID]; exists {
		el := cur.Clone()
		c.Current = &el
	}
	return c, true
}

// capacity 檢查 ADD 或跨容器 MOVE 是否超過上限
func (d *Detector) capacity(doc *types.Document, op types.ChangeOperation) (string, bool) {
	var container string
	switch p := op.Payload.(type) {
	case types.AddPayload:
		if op.Kind != types.OpAdd {
			return "", false
		}
		container = p.Container
	case types.MovePayload:
		if doc.Elements[op.TargetID].Container == p.Container {
			return "", false
		}
		container = p.Container
	default:
		if op.Kind != types.OpAdd {
			return "", false
		}
	}
	limit := d.cfg.Capacity(container)
	if limit <= 0 {
		return "", false
	}
	if n := doc.ContainerSize(container); n+1 > limit {
		return fmt.Sprintf("%s holds %d of %d elements", container, n, limit), true
	}
	return "", false
}

// redundant 操作套用到目前文件後沒有任何變化
func redundant(doc *types.Document, op types.ChangeOperation) bool {
	if op.Kind == types.OpAdd {
		cur, ok := doc.Elements[op.TargetID]
		if !ok {
			return false
		}
		scratch := &types.Document{Elements: map[string]types.Element{}}
		if scratch.Apply(op) != nil {
			return false
		}
		return types.ElementsEqual(cur, scratch.Elements[op.TargetID])
	}
	scratch := doc.Clone()
	if err := scratch.Apply(op); err != nil {
		return false
	}
	return types.ComputeDiff(doc.Elements, scratch.Elements).Empty()
}

// overlapping 找出與 op 時間區間重疊的同容器元素（排除目標本身）
func overlapping(doc *types.Document, op types.ChangeOperation) (types.Element, bool) {
	if !op.HasSchedule() {
		return types.Element{}, false
	}
	return firstOverlap(doc, op.TargetID, doc.TargetContainer(op), *op.Start, *op.End)
}

func firstOverlap(doc *types.Document, self, container string, start, end time.Time) (types.Element, bool) {
	ids := make([]string, 0, len(doc.Elements))
	for id := range doc.Elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		el := doc.Elements[id]
		if id == self || el.Container != container || !el.HasSchedule() {
			continue
		}
		if start.Before(*el.End) && el.Start.Before(end) {
			return el, true
		}
	}
	return types.Element{}, false
}
