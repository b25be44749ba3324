package taskstore

import (
	"container/heap"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// readyHeap 已到期的 PENDING 任務：優先級高者先，其次 ScheduledAt 早者，最後依提交順序
type readyHeap []*types.Task

func before(a, b *types.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*types.Task)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// delayedHeap 尚未到期的 PENDING 任務，依 ScheduledAt 排序
type delayedHeap []*types.Task

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].Seq < h[j].Seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*types.Task)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// lane 單一 kind 的待處理佇列
type lane struct {
	ready   readyHeap
	delayed delayedHeap
}

// promote moves every delayed task due at or before now into the ready heap.
func (l *lane) promote(now int64) {
	for len(l.delayed) > 0 && l.delayed[0].ScheduledAt.UnixNano() <= now {
		t := heap.Pop(&l.delayed).(*types.Task)
		heap.Push(&l.ready, t)
	}
}

func (l *lane) push(t *types.Task, now int64) {
	if t.ScheduledAt.UnixNano() <= now {
		heap.Push(&l.ready, t)
		return
	}
	heap.Push(&l.delayed, t)
}

func (l *lane) size() int {
	return len(l.ready) + len(l.delayed)
}
