package wal

import "github.com/ChuLiYu/itinerary-coord/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Task accepted
	EventClaim    EventType = "CLAIM"    // Task claimed by a worker
	EventComplete EventType = "COMPLETE" // Owner reported success
	EventFail     EventType = "FAIL"     // Attempt recorded, retry decision applied
	EventRelease  EventType = "RELEASE"  // Claim returned without spending an attempt
)

// Event represents a WAL event record.
//
// Every event carries the task record as it stands after the transition, so
// replay is a plain upsert and does not depend on the order handlers were
// written in. Attempt is set only for EventFail and EventComplete.
type Event struct {
	Seq       uint64             `json:"seq"`       // Monotonic across rotations
	Type      EventType          `json:"type"`      // Event type
	TaskID    types.TaskID       `json:"task_id"`   // Task ID
	Timestamp int64              `json:"timestamp"` // Unix millisecond timestamp
	Task      *types.Task        `json:"task"`
	Attempt   *types.TaskAttempt `json:"attempt,omitempty"`
	Checksum  uint32             `json:"checksum"` // CRC32 over the body
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
