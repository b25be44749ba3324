package types

import (
	"errors"
	"fmt"
)

var (
	ErrTargetNotFound = errors.New("target not found")
	ErrTargetExists   = errors.New("target already exists")
	ErrTargetLocked   = errors.New("target locked")
	ErrPayloadKind    = errors.New("payload does not match operation kind")
)

// Apply 依操作類型修改文件（不改 Version）。鎖定的元素不可被修改。
func (d *Document) Apply(op ChangeOperation) error {
	return d.apply(op, false)
}

// ForceApply ignores element locks. Used by operator-triggered rollback.
func (d *Document) ForceApply(op ChangeOperation) error {
	return d.apply(op, true)
}

func (d *Document) apply(op ChangeOperation, force bool) error {
	if d.Elements == nil {
		d.Elements = make(map[string]Element)
	}
	if err := op.Validate(); err != nil {
		return err
	}

	cur, exists := d.Elements[op.TargetID]
	if op.Kind == OpAdd {
		if exists {
			return fmt.Errorf("add %s: %w", op.TargetID, ErrTargetExists)
		}
		p, _ := op.Payload.(AddPayload)
		el := Element{
			ID:        op.TargetID,
			Container: p.Container,
			Position:  p.Position,
			Locked:    p.Locked,
			Data:      p.Data,
			Start:     op.Start,
			End:       op.End,
		}
		d.Elements[op.TargetID] = el.Clone()
		return nil
	}

	if !exists {
		return fmt.Errorf("%s %s: %w", op.Kind, op.TargetID, ErrTargetNotFound)
	}
	if cur.Locked && !force {
		return fmt.Errorf("%s %s: %w", op.Kind, op.TargetID, ErrTargetLocked)
	}

	switch op.Kind {
	case OpDelete:
		delete(d.Elements, op.TargetID)
		return nil
	case OpUpdate:
		p, _ := op.Payload.(UpdatePayload)
		if p.Data != nil {
			cur.Data = p.Data
		}
		if p.Locked != nil {
			cur.Locked = *p.Locked
		}
		if p.ClearSchedule {
			cur.Start, cur.End = nil, nil
		}
	case OpMove:
		p, _ := op.Payload.(MovePayload)
		cur.Container = p.Container
		cur.Position = p.Position
	}
	if op.HasSchedule() {
		cur.Start, cur.End = op.Start, op.End
	}
	d.Elements[op.TargetID] = cur.Clone()
	return nil
}

// Validate checks the kind, the target and that the payload variant matches
// the kind. DELETE carries no payload; a nil payload is allowed elsewhere.
func (op ChangeOperation) Validate() error {
	if !op.Kind.Valid() {
		return &UnknownOperationError{Kind: op.Kind}
	}
	if op.TargetID == "" {
		return fmt.Errorf("%s: empty target id", op.Kind)
	}
	if op.Payload != nil && op.Payload.operationKind() != op.Kind {
		return fmt.Errorf("%s %s: %w", op.Kind, op.TargetID, ErrPayloadKind)
	}
	if (op.Start == nil) != (op.End == nil) {
		return fmt.Errorf("%s %s: start and end must be set together", op.Kind, op.TargetID)
	}
	if op.HasSchedule() && !op.End.After(*op.Start) {
		return fmt.Errorf("%s %s: end must be after start", op.Kind, op.TargetID)
	}
	return nil
}

// TargetContainer 操作完成後目標所在的容器
func (d *Document) TargetContainer(op ChangeOperation) string {
	switch p := op.Payload.(type) {
	case AddPayload:
		return p.Container
	case MovePayload:
		return p.Container
	}
	return d.Elements[op.TargetID].Container
}
