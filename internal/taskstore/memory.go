// ============================================================================
// 任務狀態機 - 記憶體實作
// ============================================================================
//
// 任務狀態轉換:
//   PENDING ──ClaimNext()──> RUNNING ──Complete()──> COMPLETED
//                               │
//                               ├──Fail(PENDING)──> PENDING（AttemptCount+1，延後排程）
//                               ├──Fail(DEAD)────> DEAD
//                               ├──Fail(FAILED)──> FAILED
//                               └──Release()─────> PENDING（不計嘗試次數）
//
// 數據結構:
//   tasks map[TaskID]*Task - 單一真實來源
//   ├─ byKey   - 冪等鍵索引
//   ├─ running - 執行中任務索引（掃描過期認領）
//   └─ lanes   - 每個 kind 一組 ready / delayed heap
//
// 寫前日誌:
//   每個狀態轉換先在副本上計算新狀態，交給 journal 寫入（Durable 接到 WAL），
//   成功後才安裝到 tasks。journal 失敗時狀態不變。
//
// 並發安全: sync.RWMutex 保護所有結構
// ============================================================================

package taskstore

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/itinerary-coord/internal/storage/wal"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// journalFunc 在狀態安裝前寫入轉換紀錄
type journalFunc func(ev wal.EventType, t *types.Task, a *types.TaskAttempt) error

// Memory 記憶體任務儲存
type Memory struct {
	mu       sync.RWMutex
	tasks    map[types.TaskID]*types.Task
	attempts map[types.TaskID][]types.TaskAttempt
	byKey    map[string]types.TaskID
	running  map[types.TaskID]*types.Task
	lanes    map[types.TaskKind]*lane
	seq      uint64
	closed   bool

	changes chan struct{}
	journal journalFunc
}

var _ Store = (*Memory)(nil)

// NewMemory 建立空的記憶體任務儲存
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[types.TaskID]*types.Task),
		attempts: make(map[types.TaskID][]types.TaskAttempt),
		byKey:    make(map[string]types.TaskID),
		running:  make(map[types.TaskID]*types.Task),
		lanes:    make(map[types.TaskKind]*lane),
		changes:  make(chan struct{}, 1),
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (m *Memory) record(ev wal.EventType, t *types.Task, a *types.TaskAttempt) error {
	if m.journal == nil {
		return nil
	}
	if err := m.journal(ev, t, a); err != nil {
		return fmt.Errorf("journal %s %s: %w", ev, t.ID, err)
	}
	return nil
}

// signal 通知等待中的 worker；緩衝 1，多次通知會合併
func (m *Memory) signal() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Memory) laneFor(kind types.TaskKind) *lane {
	l, ok := m.lanes[kind]
	if !ok {
		l = &lane{}
		m.lanes[kind] = l
	}
	return l
}

// Submit 冪等提交
func (m *Memory) Submit(_ context.Context, req SubmitRequest, now time.Time) (types.Task, bool, error) {
	if err := req.Validate(); err != nil {
		return types.Task{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.Task{}, false, ErrClosed
	}
	if id, ok := m.byKey[req.IdempotencyKey]; ok {
		return m.tasks[id].Clone(), false, nil
	}

	scheduled := now
	if req.NotBefore.After(now) {
		scheduled = req.NotBefore
	}
	t := &types.Task{
		ID:             types.TaskID(newID()),
		Kind:           req.Kind,
		Payload:        append(json.RawMessage(nil), req.Payload...),
		IdempotencyKey: req.IdempotencyKey,
		TraceID:        req.TraceID,
		Status:         types.StatusPending,
		Priority:       req.Priority,
		ScheduledAt:    scheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
		Seq:            m.seq + 1,
	}
	if err := m.record(wal.EventSubmit, t, nil); err != nil {
		return types.Task{}, false, err
	}

	m.seq++
	m.tasks[t.ID] = t
	m.byKey[t.IdempotencyKey] = t.ID
	m.laneFor(t.Kind).push(t, now.UnixNano())
	m.signal()
	return t.Clone(), true, nil
}

// ClaimNext 認領最優先的到期任務
func (m *Memory) ClaimNext(_ context.Context, req ClaimRequest) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	nowN := req.Now.UnixNano()
	var best *lane
	consider := func(l *lane) {
		l.promote(nowN)
		if len(l.ready) > 0 && (best == nil || before(l.ready[0], best.ready[0])) {
			best = l
		}
	}
	if len(req.Kinds) == 0 {
		for _, l := range m.lanes {
			consider(l)
		}
	} else {
		for _, k := range req.Kinds {
			if l, ok := m.lanes[k]; ok {
				consider(l)
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	t := best.ready[0]
	next := t.Clone()
	expires := req.Now.Add(req.ttl(t.Kind))
	next.Status = types.StatusRunning
	next.OwnerToken = newID()
	next.ClaimExpiresAt = &expires
	next.NextRetryAt = nil
	next.UpdatedAt = req.Now
	if err := m.record(wal.EventClaim, &next, nil); err != nil {
		return nil, err
	}

	heap.Pop(&best.ready)
	*t = next
	m.running[t.ID] = t
	out := t.Clone()
	return &out, nil
}

// ownedLocked 取得由 owner 持有認領的任務
func (m *Memory) ownedLocked(id types.TaskID, owner string) (*types.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != types.StatusRunning || t.OwnerToken != owner {
		return nil, ErrStaleClaim
	}
	return t, nil
}

// Complete RUNNING → COMPLETED，僅當 owner token 相符
func (m *Memory) Complete(_ context.Context, req CompleteRequest) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedLocked(req.ID, req.OwnerToken)
	if err != nil {
		return types.Task{}, err
	}

	att := req.Attempt
	att.TaskID = t.ID
	att.AttemptNumber = t.AttemptCount + 1
	if att.Outcome == "" {
		att.Outcome = types.OutcomeSucceeded
	}

	next := t.Clone()
	next.Status = types.StatusCompleted
	next.AttemptCount++
	next.OwnerToken = ""
	next.ClaimExpiresAt = nil
	next.LastError = ""
	next.Result = append(json.RawMessage(nil), req.Result...)
	next.UpdatedAt = req.Now
	if err := m.record(wal.EventComplete, &next, &att); err != nil {
		return types.Task{}, err
	}

	*t = next
	delete(m.running, t.ID)
	m.attempts[t.ID] = append(m.attempts[t.ID], att)
	return t.Clone(), nil
}

// Fail 記錄嘗試並套用重試決策
func (m *Memory) Fail(_ context.Context, req FailRequest) (types.Task, error) {
	switch req.Status {
	case types.StatusPending, types.StatusDead, types.StatusFailed:
	default:
		return types.Task{}, fmt.Errorf("%w: fail status %q", ErrInvalidRequest, req.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedLocked(req.ID, req.OwnerToken)
	if err != nil {
		return types.Task{}, err
	}

	att := req.Attempt
	att.TaskID = t.ID
	att.AttemptNumber = t.AttemptCount + 1
	if att.Outcome == "" {
		att.Outcome = types.OutcomeFailed
	}

	next := t.Clone()
	next.Status = req.Status
	next.AttemptCount++
	next.OwnerToken = ""
	next.ClaimExpiresAt = nil
	next.LastError = att.ErrorMessage
	next.UpdatedAt = req.Now
	next.NextRetryAt = nil
	if req.Status == types.StatusPending {
		at := req.NextAttemptAt
		if at.Before(req.Now) {
			at = req.Now
		}
		next.ScheduledAt = at
		next.NextRetryAt = &at
	}
	if err := m.record(wal.EventFail, &next, &att); err != nil {
		return types.Task{}, err
	}

	*t = next
	delete(m.running, t.ID)
	m.attempts[t.ID] = append(m.attempts[t.ID], att)
	if t.Status == types.StatusPending {
		m.laneFor(t.Kind).push(t, req.Now.UnixNano())
		m.signal()
	}
	return t.Clone(), nil
}

// Release 歸還認領，不消耗嘗試次數（熔斷器開啟時使用）
func (m *Memory) Release(_ context.Context, id types.TaskID, owner string, notBefore, now time.Time) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedLocked(id, owner)
	if err != nil {
		return types.Task{}, err
	}

	at := now
	if notBefore.After(now) {
		at = notBefore
	}
	next := t.Clone()
	next.Status = types.StatusPending
	next.OwnerToken = ""
	next.ClaimExpiresAt = nil
	next.ScheduledAt = at
	next.NextRetryAt = &at
	next.UpdatedAt = now
	if err := m.record(wal.EventRelease, &next, nil); err != nil {
		return types.Task{}, err
	}

	*t = next
	delete(m.running, t.ID)
	m.laneFor(t.Kind).push(t, now.UnixNano())
	m.signal()
	return t.Clone(), nil
}

// Expired 列出認領已過期的任務，依過期時間排序
func (m *Memory) Expired(_ context.Context, now time.Time) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Task
	for _, t := range m.running {
		if t.ClaimExpired(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClaimExpiresAt.Before(*out[j].ClaimExpiresAt)
	})
	return out, nil
}

// Get 取得任務副本
func (m *Memory) Get(_ context.Context, id types.TaskID) (types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Attempts 依 AttemptNumber 排序的嘗試紀錄
func (m *Memory) Attempts(_ context.Context, id types.TaskID) ([]types.TaskAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	return append([]types.TaskAttempt(nil), m.attempts[id]...), nil
}

// Stats 統計各狀態任務數
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{ByKind: make(map[types.TaskKind]int)}
	for _, t := range m.tasks {
		s.add(t)
	}
	return s, nil
}

// NextDue 最早可執行的 PENDING 任務時間
func (m *Memory) NextDue(_ context.Context, kinds []types.TaskKind) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		due   time.Time
		found bool
	)
	visit := func(l *lane) {
		for _, h := range [][]*types.Task{l.ready, l.delayed} {
			if len(h) == 0 {
				continue
			}
			if !found || h[0].ScheduledAt.Before(due) {
				due, found = h[0].ScheduledAt, true
			}
		}
	}
	if len(kinds) == 0 {
		for _, l := range m.lanes {
			visit(l)
		}
	} else {
		for _, k := range kinds {
			if l, ok := m.lanes[k]; ok {
				visit(l)
			}
		}
	}
	return due, found, nil
}

// Changes 回傳變更通知 channel
func (m *Memory) Changes() <-chan struct{} {
	return m.changes
}

// Close 關閉儲存，之後的提交與認領回傳 ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ============================================================================
// 快照與恢復（Durable 使用）
// ============================================================================

// snapshotLocked 深拷貝目前狀態，呼叫端需持有鎖
func (m *Memory) snapshotLocked() types.SnapshotData {
	data := types.SnapshotData{
		Tasks:    make(map[types.TaskID]*types.Task, len(m.tasks)),
		Attempts: make(map[types.TaskID][]types.TaskAttempt, len(m.attempts)),
	}
	for id, t := range m.tasks {
		c := t.Clone()
		data.Tasks[id] = &c
	}
	for id, a := range m.attempts {
		data.Attempts[id] = append([]types.TaskAttempt(nil), a...)
	}
	return data
}

// load 以快照內容取代目前狀態（尚未重建索引）
func (m *Memory) load(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[types.TaskID]*types.Task, len(data.Tasks))
	m.attempts = make(map[types.TaskID][]types.TaskAttempt, len(data.Attempts))
	for id, t := range data.Tasks {
		c := t.Clone()
		m.tasks[id] = &c
	}
	for id, a := range data.Attempts {
		m.attempts[id] = append([]types.TaskAttempt(nil), a...)
	}
}

// apply 套用一筆 WAL 事件：事件攜帶轉換後的完整任務，直接覆蓋
func (m *Memory) apply(ev wal.Event) {
	if ev.Task == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := ev.Task.Clone()
	m.tasks[c.ID] = &c
	if ev.Attempt != nil {
		list := m.attempts[c.ID]
		if n := len(list); n == 0 || list[n-1].AttemptNumber < ev.Attempt.AttemptNumber {
			m.attempts[c.ID] = append(list, *ev.Attempt)
		}
	}
}

// rebuild 由 tasks 重建所有索引與 heap
func (m *Memory) rebuild(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byKey = make(map[string]types.TaskID, len(m.tasks))
	m.running = make(map[types.TaskID]*types.Task)
	m.lanes = make(map[types.TaskKind]*lane)
	m.seq = 0
	for id, t := range m.tasks {
		m.byKey[t.IdempotencyKey] = id
		if t.Seq > m.seq {
			m.seq = t.Seq
		}
		switch t.Status {
		case types.StatusPending:
			m.laneFor(t.Kind).push(t, now.UnixNano())
		case types.StatusRunning:
			m.running[id] = t
		}
	}
	m.signal()
}
