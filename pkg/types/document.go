package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DocumentID 版本化文件（行程）的識別碼
type DocumentID string

// Element 文件內的一個可編輯節點。Container 對應行程中的某一天。
type Element struct {
	ID        string          `json:"id"`
	Container string          `json:"container,omitempty"`
	Position  int             `json:"position"`
	Locked    bool            `json:"locked,omitempty"` // 自動化流程不可修改
	Start     *time.Time      `json:"start,omitempty"`
	End       *time.Time      `json:"end,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HasSchedule reports whether the element occupies a time window.
func (e *Element) HasSchedule() bool {
	return e.Start != nil && e.End != nil
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	c := e
	if e.Start != nil {
		v := *e.Start
		c.Start = &v
	}
	if e.End != nil {
		v := *e.End
		c.End = &v
	}
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	return c
}

// Document 受本核心保護的版本化聚合。Version 每成功套用一個 ChangeSet 加一。
type Document struct {
	ID        DocumentID         `json:"document_id"`
	Version   int64              `json:"version"`
	Elements  map[string]Element `json:"elements"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy used as the scratch copy during apply.
func (d *Document) Clone() *Document {
	c := &Document{
		ID:        d.ID,
		Version:   d.Version,
		Elements:  make(map[string]Element, len(d.Elements)),
		UpdatedAt: d.UpdatedAt,
	}
	for id, el := range d.Elements {
		c.Elements[id] = el.Clone()
	}
	return c
}

// ContainerSize counts the elements held by a container.
func (d *Document) ContainerSize(container string) int {
	n := 0
	for _, el := range d.Elements {
		if el.Container == container {
			n++
		}
	}
	return n
}

// OperationKind 變更操作類型
type OperationKind string

const (
	OpAdd    OperationKind = "ADD"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
	OpMove   OperationKind = "MOVE"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpAdd, OpUpdate, OpDelete, OpMove:
		return true
	}
	return false
}

// OperationPayload is the tagged union of per-kind operation payloads.
type OperationPayload interface {
	operationKind() OperationKind
}

// AddPayload ADD 操作的內容
type AddPayload struct {
	Container string          `json:"container,omitempty"`
	Position  int             `json:"position"`
	Locked    bool            `json:"locked,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UpdatePayload UPDATE 操作的內容。nil 欄位代表保持原值。
type UpdatePayload struct {
	Data          json.RawMessage `json:"data,omitempty"`
	Locked        *bool           `json:"locked,omitempty"`
	ClearSchedule bool            `json:"clear_schedule,omitempty"`
}

// MovePayload MOVE 操作的內容
type MovePayload struct {
	Container string `json:"container"`
	Position  int    `json:"position"`
}

func (AddPayload) operationKind() OperationKind    { return OpAdd }
func (UpdatePayload) operationKind() OperationKind { return OpUpdate }
func (MovePayload) operationKind() OperationKind   { return OpMove }

// ChangeOperation 單一變更操作
type ChangeOperation struct {
	Kind     OperationKind    `json:"kind"`
	TargetID string           `json:"target_id"`
	Payload  OperationPayload `json:"payload,omitempty"`
	Start    *time.Time       `json:"start_time,omitempty"`
	End      *time.Time       `json:"end_time,omitempty"`
}

// HasSchedule reports whether the operation carries a temporal extent.
func (op *ChangeOperation) HasSchedule() bool {
	return op.Start != nil && op.End != nil
}

// Clone returns a copy whose time pointers are not shared.
func (op ChangeOperation) Clone() ChangeOperation {
	c := op
	if op.Start != nil {
		v := *op.Start
		c.Start = &v
	}
	if op.End != nil {
		v := *op.End
		c.End = &v
	}
	return c
}

type operationJSON struct {
	Kind     OperationKind   `json:"kind"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Start    *time.Time      `json:"start_time,omitempty"`
	End      *time.Time      `json:"end_time,omitempty"`
}

// MarshalJSON encodes the payload under the operation's kind.
func (op ChangeOperation) MarshalJSON() ([]byte, error) {
	w := operationJSON{Kind: op.Kind, TargetID: op.TargetID, Start: op.Start, End: op.End}
	if op.Payload != nil {
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload variant selected by kind. Unknown kinds
// are rejected here so malformed ChangeSets fail before reaching the engine.
func (op *ChangeOperation) UnmarshalJSON(b []byte) error {
	var w operationJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	op.Kind, op.TargetID, op.Start, op.End, op.Payload = w.Kind, w.TargetID, w.Start, w.End, nil

	var p OperationPayload
	switch w.Kind {
	case OpAdd:
		v := AddPayload{}
		if err := decodePayload(w.Payload, &v); err != nil {
			return err
		}
		p = v
	case OpUpdate:
		v := UpdatePayload{}
		if err := decodePayload(w.Payload, &v); err != nil {
			return err
		}
		p = v
	case OpMove:
		v := MovePayload{}
		if err := decodePayload(w.Payload, &v); err != nil {
			return err
		}
		p = v
	case OpDelete:
	default:
		return &UnknownOperationError{Kind: w.Kind}
	}
	op.Payload = p
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// UnknownOperationError 未知的操作類型（協議錯誤，不重試）
type UnknownOperationError struct {
	Kind OperationKind
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation kind %q", e.Kind)
}

// ChangeSet 針對特定文件版本提出的原子批次變更
type ChangeSet struct {
	ID             string            `json:"change_set_id"`
	DocumentID     DocumentID        `json:"document_id"`
	BaseVersion    int64             `json:"base_version"`
	Operations     []ChangeOperation `json:"operations"`
	Origin         string            `json:"origin,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Clone returns a copy whose operation slice is not shared.
func (cs ChangeSet) Clone() ChangeSet {
	c := cs
	c.Operations = make([]ChangeOperation, len(cs.Operations))
	for i, op := range cs.Operations {
		c.Operations[i] = op.Clone()
	}
	return c
}

// Diff 套用結果的差異，供觀測與 UI 預覽
type Diff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// ComputeDiff compares two element sets and lists touched targets in sorted order.
func ComputeDiff(before, after map[string]Element) Diff {
	d := Diff{Added: []string{}, Removed: []string{}, Modified: []string{}}
	for id, a := range after {
		b, ok := before[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if !ElementsEqual(b, a) {
			d.Modified = append(d.Modified, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

// ElementsEqual compares two elements field by field.
func ElementsEqual(a, b Element) bool {
	if a.ID != b.ID || a.Container != b.Container || a.Position != b.Position || a.Locked != b.Locked {
		return false
	}
	if !timePtrEqual(a.Start, b.Start) || !timePtrEqual(a.End, b.End) {
		return false
	}
	return string(a.Data) == string(b.Data)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Revision 成功套用後產生的只增紀錄。Before 保存被觸及元素的前像（nil 表示原本不存在），
// 用於回滾時產生反向操作。
type Revision struct {
	DocumentID  DocumentID          `json:"document_id"`
	FromVersion int64               `json:"from_version"`
	ToVersion   int64               `json:"to_version"`
	ChangeSet   ChangeSet           `json:"change_set"`
	Diff        Diff                `json:"diff"`
	Before      map[string]*Element `json:"before"`
	CommittedAt time.Time           `json:"committed_at"`
}

// Touched lists every target the revision changed.
func (r *Revision) Touched() []string {
	out := make([]string, 0, len(r.Diff.Added)+len(r.Diff.Removed)+len(r.Diff.Modified))
	out = append(out, r.Diff.Added...)
	out = append(out, r.Diff.Removed...)
	out = append(out, r.Diff.Modified...)
	return out
}

// ApplyResult 成功套用的回傳值
type ApplyResult struct {
	DocumentID  DocumentID `json:"document_id"`
	FromVersion int64      `json:"from_version"`
	ToVersion   int64      `json:"to_version"`
	Diff        Diff       `json:"diff"`
	Resolved    []Conflict `json:"resolved,omitempty"` // 自動解決後重新套用時非空
}
