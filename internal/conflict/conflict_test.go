package conflict

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

func at(h, m int) *time.Time {
	t := time.Date(2026, 5, 1, h, m, 0, 0, time.UTC)
	return &t
}

// 版本 7 的行程；n2 在版本 6→7 被修改
func fixture() (*types.Document, []types.Revision) {
	doc := &types.Document{
		ID:      "trip-1",
		Version: 7,
		Elements: map[string]types.Element{
			"n1": {ID: "n1", Container: "day-1", Position: 0, Start: at(9, 0), End: at(10, 0)},
			"n2": {ID: "n2", Container: "day-1", Position: 1, Start: at(10, 0), End: at(11, 0)},
			"n3": {ID: "n3", Container: "day-2", Position: 0, Locked: true, Start: at(9, 0), End: at(12, 0)},
			"n4": {ID: "n4", Container: "day-2", Position: 1},
		},
	}
	since := []types.Revision{
		{FromVersion: 5, ToVersion: 6, Diff: types.Diff{Removed: []string{"gone"}}},
		{FromVersion: 6, ToVersion: 7, Diff: types.Diff{Modified: []string{"n2"}}},
	}
	return doc, since
}

func byType(cs []types.Conflict) map[types.ConflictType]types.Conflict {
	out := make(map[types.ConflictType]types.Conflict)
	for _, c := range cs {
		out[c.Type] = c
	}
	return out
}

func TestDetectSeverities(t *testing.T) {
	doc, since := fixture()
	d := NewDetector(Config{ContainerCapacity: map[string]int{"day-2": 2}})

	tests := []struct {
		name     string
		op       types.ChangeOperation
		typ      types.ConflictType
		severity types.Severity
	}{
		{"delete of removed target", types.ChangeOperation{Kind: types.OpDelete, TargetID: "gone"}, types.ConflictTargetNotFound, types.SeverityLow},
		{"update of removed target", types.ChangeOperation{Kind: types.OpUpdate, TargetID: "gone"}, types.ConflictTargetNotFound, types.SeverityHigh},
		{"locked target", types.ChangeOperation{Kind: types.OpDelete, TargetID: "n3"}, types.ConflictTargetLocked, types.SeverityHigh},
		{"overlap with free element", types.ChangeOperation{Kind: types.OpUpdate, TargetID: "n1", Start: at(10, 30), End: at(11, 30)}, types.ConflictTimingOverlap, types.SeverityLow},
		{"overlap with locked element", types.ChangeOperation{Kind: types.OpUpdate, TargetID: "n4", Start: at(11, 0), End: at(13, 0)}, types.ConflictTimingOverlap, types.SeverityMedium},
		{"capacity", types.ChangeOperation{Kind: types.OpAdd, TargetID: "n9", Payload: types.AddPayload{Container: "day-2"}}, types.ConflictCapacityExceeded, types.SeverityMedium},
		{"add existing", types.ChangeOperation{Kind: types.OpAdd, TargetID: "n1", Payload: types.AddPayload{Container: "day-1"}}, types.ConflictOperation, types.SeverityMedium},
		{"concurrent redundant", types.ChangeOperation{Kind: types.OpMove, TargetID: "n2", Payload: types.MovePayload{Container: "day-1", Position: 1}}, types.ConflictConcurrentModification, types.SeverityLow},
		{"concurrent divergent", types.ChangeOperation{Kind: types.OpMove, TargetID: "n2", Payload: types.MovePayload{Container: "day-1", Position: 5}}, types.ConflictConcurrentModification, types.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := types.ChangeSet{DocumentID: "trip-1", BaseVersion: 5, Operations: []types.ChangeOperation{tt.op}}
			got := byType(d.Detect(doc, cs, since))

			vm, ok := got[types.ConflictVersionMismatch]
			require.True(t, ok, "version mismatch is always reported")
			assert.Equal(t, types.SeverityLow, vm.Severity)
			assert.Equal(t, -1, vm.OpIndex)

			c, ok := got[tt.typ]
			require.True(t, ok, "expected %s in %v", tt.typ, got)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, 0, c.OpIndex)
			require.NotNil(t, c.Operation)
			assert.Equal(t, tt.op.TargetID, c.Operation.TargetID)
		})
	}
}

func TestDetectUnrelatedChangeIsOnlyVersionMismatch(t *testing.T) {
	doc, since := fixture()
	cs := types.ChangeSet{BaseVersion: 6, Operations: []types.ChangeOperation{
		{Kind: types.OpUpdate, TargetID: "n1", Payload: types.UpdatePayload{}},
	}}
	got := NewDetector(Config{}).Detect(doc, cs, since)
	require.Len(t, got, 1)
	assert.Equal(t, types.ConflictVersionMismatch, got[0].Type)
	assert.Equal(t, types.SeverityLow, types.MaxSeverity(got))
}

func TestDetectSeesEarlierOperationsInBatch(t *testing.T) {
	doc, _ := fixture()
	cs := types.ChangeSet{BaseVersion: 7, Operations: []types.ChangeOperation{
		{Kind: types.OpAdd, TargetID: "n5", Payload: types.AddPayload{Container: "day-3"}},
		{Kind: types.OpUpdate, TargetID: "n5", Payload: types.UpdatePayload{}},
	}}
	assert.Empty(t, NewDetector(Config{}).Detect(doc, cs, nil))
}

func TestResolveDropsAndShifts(t *testing.T) {
	doc, since := fixture()
	cs := types.ChangeSet{ID: "cs-1", DocumentID: "trip-1", BaseVersion: 5, Operations: []types.ChangeOperation{
		{Kind: types.OpDelete, TargetID: "gone"},
		{Kind: types.OpUpdate, TargetID: "n1", Start: at(10, 30), End: at(11, 30)},
		{Kind: types.OpMove, TargetID: "n2", Payload: types.MovePayload{Container: "day-1", Position: 1}},
		{Kind: types.OpAdd, TargetID: "n6", Payload: types.AddPayload{Container: "day-3"}},
	}}
	d := NewDetector(Config{})
	conflicts := d.Detect(doc, cs, since)
	res := NewResolver(Config{}).Resolve(doc, cs, conflicts)

	require.True(t, res.FullyResolved, "unresolved: %v", res.Unresolved)
	assert.EqualValues(t, 7, res.Adjusted.BaseVersion)
	assert.Len(t, res.Resolved, len(conflicts))
	require.Len(t, res.Adjusted.Operations, 2)

	shifted := res.Adjusted.Operations[0]
	assert.Equal(t, "n1", shifted.TargetID)
	// n2 佔用 10:00–11:00，15 分鐘步進後第一個空檔從 11:00 開始
	assert.True(t, shifted.Start.Equal(*at(11, 0)), "start %s", shifted.Start)
	assert.True(t, shifted.End.Equal(*at(12, 0)))
	assert.Equal(t, "n6", res.Adjusted.Operations[1].TargetID)

	// 原始 ChangeSet 不受影響
	assert.True(t, cs.Operations[1].Start.Equal(*at(10, 30)))
	assert.Len(t, cs.Operations, 4)
}

func TestResolveEscalates(t *testing.T) {
	doc, since := fixture()
	cs := types.ChangeSet{BaseVersion: 5, Operations: []types.ChangeOperation{
		{Kind: types.OpDelete, TargetID: "n3"},
		{Kind: types.OpDelete, TargetID: "gone"},
		{Kind: types.OpMove, TargetID: "n2", Payload: types.MovePayload{Container: "day-2", Position: 9}},
	}}
	conflicts := NewDetector(Config{}).Detect(doc, cs, since)
	res := NewResolver(Config{}).Resolve(doc, cs, conflicts)

	assert.False(t, res.FullyResolved)
	kinds := byType(res.Unresolved)
	assert.Contains(t, kinds, types.ConflictTargetLocked)
	assert.Contains(t, kinds, types.ConflictConcurrentModification)

	// 每個操作都有去處：保留、已解決或未解決
	accounted := make(map[int]bool)
	for _, c := range append(res.Resolved, res.Unresolved...) {
		if c.OpIndex >= 0 {
			accounted[c.OpIndex] = true
		}
	}
	for _, op := range res.Adjusted.Operations {
		for i, orig := range cs.Operations {
			if orig.TargetID == op.TargetID {
				accounted[i] = true
			}
		}
	}
	assert.Len(t, accounted, 3)
}

func TestResolveShiftBeyondHorizon(t *testing.T) {
	doc, _ := fixture()
	// day-1 被一個整天的元素佔滿
	doc.Elements["blocker"] = types.Element{ID: "blocker", Container: "day-1", Start: at(0, 0), End: at(23, 59)}
	cs := types.ChangeSet{BaseVersion: 7, Operations: []types.ChangeOperation{
		{Kind: types.OpAdd, TargetID: "n7", Payload: types.AddPayload{Container: "day-1"}, Start: at(12, 0), End: at(13, 0)},
	}}
	cfg := Config{OverlapStep: time.Hour, OverlapHorizon: 2 * time.Hour}
	res := NewResolver(cfg).Resolve(doc, cs, NewDetector(cfg).Detect(doc, cs, nil))
	require.False(t, res.FullyResolved)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, types.ConflictTimingOverlap, res.Unresolved[0].Type)
	assert.Contains(t, res.Unresolved[0].Description, "no free slot")
}

// 版本 1 的單日行程：day-1 只有 n1 09:00–10:00
func dayFixture() *types.Document {
	return &types.Document{
		ID:      "trip-1",
		Version: 1,
		Elements: map[string]types.Element{
			"n1": {ID: "n1", Container: "day-1", Start: at(9, 0), End: at(10, 0)},
		},
	}
}

func addAt(id string, start, end *time.Time) types.ChangeOperation {
	return types.ChangeOperation{Kind: types.OpAdd, TargetID: id,
		Payload: types.AddPayload{Container: "day-1"}, Start: start, End: end}
}

// applyAdjusted 把解決後的 ChangeSet 套用到 doc 的副本
func applyAdjusted(t *testing.T, doc *types.Document, cs types.ChangeSet) *types.Document {
	t.Helper()
	out := doc.Clone()
	for i, op := range cs.Operations {
		require.NoError(t, out.Apply(op), "operation %d", i)
	}
	return out
}

// clash 找出同容器內時間重疊的兩個元素
func clash(doc *types.Document) (string, string, bool) {
	ids := make([]string, 0, len(doc.Elements))
	for id := range doc.Elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			ea, eb := doc.Elements[a], doc.Elements[b]
			if ea.Container != eb.Container || !ea.HasSchedule() || !eb.HasSchedule() {
				continue
			}
			if ea.Start.Before(*eb.End) && eb.Start.Before(*ea.End) {
				return a, b, true
			}
		}
	}
	return "", "", false
}

func TestResolveShiftAvoidsEarlierOperationsInBatch(t *testing.T) {
	doc := dayFixture()
	cs := types.ChangeSet{DocumentID: "trip-1", BaseVersion: 0, Operations: []types.ChangeOperation{
		addAt("a", at(10, 0), at(11, 0)),
		addAt("b", at(9, 30), at(10, 30)),
	}}
	res := NewResolver(Config{}).Resolve(doc, cs, NewDetector(Config{}).Detect(doc, cs, nil))

	require.True(t, res.FullyResolved, "unresolved: %v", res.Unresolved)
	assert.Equal(t, []int{0}, res.Clean)
	require.Len(t, res.Adjusted.Operations, 2)
	b := res.Adjusted.Operations[1]
	// 10:00–11:00 已被同批次的 a 佔用
	assert.True(t, b.Start.Equal(*at(11, 0)), "start %s", b.Start)
	assert.True(t, b.End.Equal(*at(12, 0)), "end %s", b.End)

	x, y, overlap := clash(applyAdjusted(t, doc, res.Adjusted))
	assert.False(t, overlap, "%s overlaps %s", x, y)
}

func TestResolveRechecksOperationsAfterShift(t *testing.T) {
	doc := dayFixture()
	// b 原本沒有衝突，但 a 平移後佔用了 10:00–11:00
	cs := types.ChangeSet{DocumentID: "trip-1", BaseVersion: 0, Operations: []types.ChangeOperation{
		addAt("a", at(9, 30), at(10, 30)),
		addAt("b", at(10, 45), at(11, 30)),
	}}
	conflicts := NewDetector(Config{}).Detect(doc, cs, nil)
	for _, c := range conflicts {
		assert.NotEqual(t, 1, c.OpIndex, "b is clean at detection time")
	}

	res := NewResolver(Config{}).Resolve(doc, cs, conflicts)
	require.True(t, res.FullyResolved, "unresolved: %v", res.Unresolved)
	assert.Empty(t, res.Clean)

	a, b := res.Adjusted.Operations[0], res.Adjusted.Operations[1]
	assert.True(t, a.Start.Equal(*at(10, 0)), "a start %s", a.Start)
	assert.True(t, b.Start.Equal(*at(11, 0)), "b start %s", b.Start)
	assert.True(t, b.End.Equal(*at(11, 45)), "b end %s", b.End)

	var overlaps []int
	for _, c := range res.Resolved {
		if c.Type == types.ConflictTimingOverlap {
			overlaps = append(overlaps, c.OpIndex)
		}
	}
	assert.Equal(t, []int{0, 1}, overlaps)

	x, y, overlap := clash(applyAdjusted(t, doc, res.Adjusted))
	assert.False(t, overlap, "%s overlaps %s", x, y)
}

func TestResolveKeepsOperationWhoseSlotIsFree(t *testing.T) {
	doc := dayFixture()
	op := addAt("a", at(9, 30), at(10, 30))
	cs := types.ChangeSet{BaseVersion: 0, Operations: []types.ChangeOperation{op}}
	conflicts := NewDetector(Config{}).Detect(doc, cs, nil)

	// 偵測之後 n1 已經移走：原時段可直接使用
	delete(doc.Elements, "n1")
	res := NewResolver(Config{}).Resolve(doc, cs, conflicts)
	require.True(t, res.FullyResolved)
	assert.True(t, res.Adjusted.Operations[0].Start.Equal(*at(9, 30)))
}

// 任意一批排程 ADD：自動解決後不會留下重疊
func TestResolvedBatchHasNoOverlapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved batches commit without overlap", prop.ForAll(
		func(slots []int) bool {
			doc := dayFixture()
			ops := make([]types.ChangeOperation, len(slots))
			for i, v := range slots {
				start := at(8, 0).Add(time.Duration(v) * 15 * time.Minute)
				end := start.Add(time.Duration(v%4+1) * 15 * time.Minute)
				ops[i] = addAt(fmt.Sprintf("a%d", i), &start, &end)
			}
			cs := types.ChangeSet{BaseVersion: 0, Operations: ops}
			res := NewResolver(Config{}).Resolve(doc, cs, NewDetector(Config{}).Detect(doc, cs, nil))
			if !res.FullyResolved || len(res.Adjusted.Operations) != len(ops) {
				return false
			}
			after := doc.Clone()
			for _, op := range res.Adjusted.Operations {
				if after.Apply(op) != nil {
					return false
				}
			}
			_, _, overlap := clash(after)
			return !overlap
		},
		gen.SliceOf(gen.IntRange(0, 39)),
	))

	properties.TestingRun(t)
}

func TestMergeReportsEveryExcludedOperation(t *testing.T) {
	base, _ := fixture()
	base.Version = 5
	base.Elements["gone"] = types.Element{ID: "gone", Container: "day-1"}

	current, _ := fixture()
	incoming := types.ChangeSet{ID: "preview", BaseVersion: 5, Operations: []types.ChangeOperation{
		{Kind: types.OpUpdate, TargetID: "n1", Payload: types.UpdatePayload{}},
		{Kind: types.OpUpdate, TargetID: "gone", Payload: types.UpdatePayload{}},
		{Kind: types.OpDelete, TargetID: "n3"},
		{Kind: types.OpAdd, TargetID: "n4", Payload: types.AddPayload{}},
		{Kind: types.OpAdd, TargetID: "n8", Payload: types.AddPayload{Container: "day-3"}},
	}}

	res := Merge(base, current, incoming)
	assert.EqualValues(t, 7, res.Applicable.BaseVersion)
	require.Len(t, res.Applicable.Operations, 2)
	assert.Equal(t, "n1", res.Applicable.Operations[0].TargetID)
	assert.Equal(t, "n8", res.Applicable.Operations[1].TargetID)

	require.Len(t, res.Conflicts, 3)
	assert.Equal(t, types.ConflictTargetNotFound, res.Conflicts[0].Type)
	assert.Contains(t, res.Conflicts[0].Description, "removed after version 5")
	assert.Equal(t, types.ConflictTargetLocked, res.Conflicts[1].Type)
	assert.Equal(t, types.ConflictOperation, res.Conflicts[2].Type)
	assert.Equal(t, len(incoming.Operations), len(res.Applicable.Operations)+len(res.Conflicts))
}
