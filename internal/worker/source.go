// ============================================================================
// Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for claiming tasks and reporting outcomes.
//
// Motivation:
//   The pool runs the same way in both deployment modes:
//
//   - Local Mode: TaskSource is the controller, backed by the task store.
//   - Remote Mode: TaskSource is a gRPC client to the coordinator (GrpcTaskSource).
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// TaskSource claims tasks and records their outcome.
type TaskSource interface {
	// Claim returns one due task whose kind is in kinds, or nil when none is
	// available. The returned task carries a fresh owner token.
	Claim(ctx context.Context, kinds []types.TaskKind) (*types.Task, error)

	// Complete records success. A stale owner token yields
	// taskstore.ErrStaleClaim and the result is discarded.
	Complete(ctx context.Context, id types.TaskID, owner string, result json.RawMessage, att types.TaskAttempt) error

	// Fail records a failed attempt; the source applies the retry policy to cause.
	Fail(ctx context.Context, id types.TaskID, owner string, att types.TaskAttempt, cause error) error

	// Defer returns the claim without consuming an attempt.
	Defer(ctx context.Context, id types.TaskID, owner string, notBefore time.Time) error
}

// Notifier is implemented by sources that can tell idle workers when to look
// again. Sources without it are polled at Config.PollInterval.
type Notifier interface {
	Changes() <-chan struct{}
	NextDue(ctx context.Context, kinds []types.TaskKind) (time.Time, bool, error)
}
