package docstore

import (
	"context"
	"sync"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// entry 單一文件的狀態，各自持有鎖
type entry struct {
	mu          sync.RWMutex
	doc         *types.Document
	revisions   []types.Revision
	byKey       map[string]int // 冪等鍵 → revisions 索引
	escalations []types.Escalation
}

// Memory 記憶體文件儲存
type Memory struct {
	mu   sync.RWMutex
	docs map[types.DocumentID]*entry
}

var _ Store = (*Memory)(nil)

// NewMemory 建立空的文件儲存
func NewMemory() *Memory {
	return &Memory{docs: make(map[types.DocumentID]*entry)}
}

func (m *Memory) get(id types.DocumentID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return e, nil
}

func (m *Memory) Create(_ context.Context, doc *types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return ErrDocumentExists
	}
	m.docs[doc.ID] = &entry{doc: doc.Clone(), byKey: make(map[string]int)}
	return nil
}

func (m *Memory) Load(_ context.Context, id types.DocumentID) (*types.Document, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc.Clone(), nil
}

func (m *Memory) Commit(_ context.Context, doc *types.Document, rev types.Revision) error {
	if err := checkCommit(doc, rev); err != nil {
		return err
	}
	e, err := m.get(doc.ID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc.Version != rev.FromVersion {
		return ErrVersionConflict
	}
	e.doc = doc.Clone()
	e.revisions = append(e.revisions, rev)
	if key := rev.ChangeSet.IdempotencyKey; key != "" {
		e.byKey[key] = len(e.revisions) - 1
	}
	return nil
}

func (m *Memory) Revisions(_ context.Context, id types.DocumentID, afterVersion int64) ([]types.Revision, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []types.Revision
	for _, r := range e.revisions {
		if r.ToVersion > afterVersion {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) RevisionByKey(_ context.Context, id types.DocumentID, key string) (*types.Revision, bool, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.byKey[key]
	if !ok {
		return nil, false, nil
	}
	r := e.revisions[i]
	return &r, true, nil
}

func (m *Memory) RecordEscalation(_ context.Context, esc types.Escalation) error {
	e, err := m.get(esc.DocumentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, esc)
	return nil
}

func (m *Memory) Escalations(_ context.Context, id types.DocumentID) ([]types.Escalation, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]types.Escalation(nil), e.escalations...), nil
}

func (m *Memory) Close() error { return nil }
