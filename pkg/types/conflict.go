package types

import "time"

// ConflictType 衝突分類
type ConflictType string

const (
	ConflictVersionMismatch        ConflictType = "VERSION_MISMATCH"
	ConflictTargetNotFound         ConflictType = "TARGET_NOT_FOUND"
	ConflictTargetLocked           ConflictType = "TARGET_LOCKED"
	ConflictConcurrentModification ConflictType = "CONCURRENT_MODIFICATION"
	ConflictTimingOverlap          ConflictType = "TIMING_OVERLAP"
	ConflictCapacityExceeded       ConflictType = "CAPACITY_EXCEEDED"
	ConflictOperation              ConflictType = "OPERATION_CONFLICT"
)

// Severity 衝突嚴重度，數值越大越嚴重
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	default:
		*s = SeverityNone
	}
	return nil
}

// Conflict 偵測輸出，不單獨持久化（升級時隨 Escalation 一起保存）
type Conflict struct {
	Type        ConflictType     `json:"type"`
	Severity    Severity         `json:"severity"`
	Description string           `json:"description"`
	TargetID    string           `json:"target_id,omitempty"`
	OpIndex     int              `json:"op_index"` // 在 ChangeSet.Operations 中的位置，-1 表示與單一操作無關
	Current     *Element         `json:"current,omitempty"`
	Operation   *ChangeOperation `json:"operation,omitempty"`
}

// MaxSeverity returns the highest severity in the list, NONE when empty.
func MaxSeverity(conflicts []Conflict) Severity {
	max := SeverityNone
	for _, c := range conflicts {
		if c.Severity > max {
			max = c.Severity
		}
	}
	return max
}

// Escalation 無法自動解決、交由人工/UI 處理的衝突紀錄
type Escalation struct {
	ID          string     `json:"id"`
	DocumentID  DocumentID `json:"document_id"`
	ChangeSet   ChangeSet  `json:"change_set"`
	SeenVersion int64      `json:"seen_version"`
	Resolved    []Conflict `json:"resolved,omitempty"`
	Unresolved  []Conflict `json:"unresolved"`
	Clean       []int      `json:"clean,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
}
