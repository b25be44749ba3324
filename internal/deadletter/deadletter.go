// Package deadletter stores tasks that will never run again.
//
// Entries are append-only and carry the full attempt history. Nothing here
// reprocesses them; resubmission is a deliberate operator action that creates
// a new task with a new idempotency key.
package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Entry 死信紀錄
type Entry struct {
	Task       types.Task          `json:"task"`
	Attempts   []types.TaskAttempt `json:"attempts"`
	Reason     string              `json:"reason"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Filter 查詢條件，零值欄位不過濾
type Filter struct {
	Kind  types.TaskKind
	Since time.Time
	Until time.Time
	Limit int
}

// Match reports whether e passes the filter's kind and time bounds.
func (f Filter) Match(e Entry) bool {
	if f.Kind != "" && e.Task.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.RecordedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.RecordedAt.Before(f.Until) {
		return false
	}
	return true
}

// Sink 死信接收端
type Sink interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

var (
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*BoltSink)(nil)
)

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Task = e.Task.Clone()
	e.Attempts = append([]types.TaskAttempt(nil), e.Attempts...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return limit(sortEntries(out), f.Limit), nil
}

func sortEntries(entries []Entry) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
	return entries
}

func limit(entries []Entry, n int) []Entry {
	if n > 0 && len(entries) > n {
		return entries[:n]
	}
	return entries
}
