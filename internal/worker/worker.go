// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Claims a task, runs its handler and reports the outcome.
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  for {                                   │
//   │    task := source.Claim(kinds)           │
//   │    ├─ nil  → wait (Changes / NextDue)    │
//   │    └─ task → ctx deadline = claim expiry │
//   │              handler(ctx, tc)            │
//   │              Complete / Fail / Defer     │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// Timeout Control:
//   The handler's context expires together with the claim. Once the claim has
//   lapsed the sweeper may hand the task to someone else, so continuing would
//   only produce a result that gets discarded as stale.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Worker represents a work execution unit running in its own goroutine.
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run claims and executes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	p := w.pool
	kinds := p.router.Kinds()
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.source.Claim(ctx, kinds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Claim failed", "worker", w.id, "error", err)
			w.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if task == nil {
			w.wait(ctx, kinds)
			continue
		}
		w.execute(ctx, *task)
	}
}

// wait parks an idle worker until new work may be claimable.
func (w *Worker) wait(ctx context.Context, kinds []types.TaskKind) {
	p := w.pool
	n, ok := p.source.(Notifier)
	if !ok {
		w.sleep(ctx, p.cfg.PollInterval)
		return
	}

	d := p.cfg.PollInterval
	if due, found, err := n.NextDue(ctx, kinds); err == nil && found {
		if until := due.Sub(p.cfg.Now()); until < d {
			d = until
		}
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-n.Changes():
	case <-timer.C:
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// execute runs one claimed task and reports its outcome.
func (w *Worker) execute(ctx context.Context, task types.Task) {
	p := w.pool
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.processed.Add(1)
	}()

	started := p.cfg.Now()
	deadline := started.Add(30 * time.Second)
	if task.ClaimExpiresAt != nil {
		deadline = *task.ClaimExpiresAt
	}
	taskCtx, cancel := context.WithDeadline(notify.WithTraceID(ctx, task.TraceID), deadline)
	defer cancel()

	taskCtx, span := p.tracer.Start(taskCtx, "worker.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("coord.task_id", string(task.ID)),
			attribute.String("coord.kind", string(task.Kind)),
			attribute.Int("coord.attempt", task.AttemptCount+1),
			attribute.String("coord.trace_id", task.TraceID),
		),
	)
	defer span.End()

	result, err := w.invoke(taskCtx, task)
	att := types.TaskAttempt{StartedAt: started, EndedAt: p.cfg.Now()}

	// 回報使用獨立 context：Pool 關閉時仍要把認領交還
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReportTimeout)
	defer cancelReport()

	var openErr *breaker.OpenError
	switch {
	case err == nil:
		att.Outcome = types.OutcomeSucceeded
		err = p.source.Complete(reportCtx, task.ID, task.OwnerToken, result, att)
		span.SetStatus(codes.Ok, "")

	case ctx.Err() != nil:
		// Pool 關閉中斷了任務：歸還認領，不計入嘗試
		span.SetStatus(codes.Error, "pool stopped")
		err = p.source.Defer(reportCtx, task.ID, task.OwnerToken, att.EndedAt)

	case errors.As(err, &openErr):
		notBefore := openErr.RetryAt
		if notBefore.IsZero() || notBefore.Before(att.EndedAt) {
			notBefore = att.EndedAt.Add(p.cfg.DeferDelay)
		}
		span.AddEvent("breaker open", trace.WithAttributes(attribute.String("coord.dependency", openErr.Name)))
		log.Info("Dependency unavailable, deferring task",
			"taskID", task.ID, "dependency", openErr.Name, "until", notBefore)
		err = p.source.Defer(reportCtx, task.ID, task.OwnerToken, notBefore)

	default:
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fault.Transient(fault.KindTimeout, fmt.Errorf("claim expired while running: %w", err))
			att.Outcome = types.OutcomeTimedOut
		} else {
			att.Outcome = types.OutcomeFailed
		}
		att.ErrorKind = fault.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("coord.error_class", string(fault.ClassOf(err))))
		log.Debug("Task attempt failed", "taskID", task.ID, "kind", task.Kind, "error", err)
		err = p.source.Fail(reportCtx, task.ID, task.OwnerToken, att, err)
	}

	if err != nil {
		if errors.Is(err, taskstore.ErrStaleClaim) {
			log.Warn("Claim lost before reporting", "worker", w.id, "taskID", task.ID)
			return
		}
		log.Error("Failed to report task outcome", "worker", w.id, "taskID", task.ID, "error", err)
	}
}

// invoke runs the handler and turns a panic into a permanent fault.
func (w *Worker) invoke(ctx context.Context, task types.Task) (result json.RawMessage, err error) {
	h, ok := w.pool.router.Lookup(task.Kind)
	if !ok {
		return nil, fault.Protocol(fmt.Errorf("no handler for kind %q", task.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic", "taskID", task.ID, "kind", task.Kind, "panic", r, "stack", string(debug.Stack()))
			err = fault.Permanent(fault.KindPanic, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, NewTaskContext(task, w.pool.cfg.Breakers))
}
