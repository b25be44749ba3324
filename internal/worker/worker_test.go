package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify routing, outcome reporting, timeout and graceful shutdown
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

type report struct {
	op        string // complete / fail / defer
	id        types.TaskID
	result    json.RawMessage
	att       types.TaskAttempt
	cause     error
	notBefore time.Time
}

// fakeSource hands out queued tasks and records every report.
type fakeSource struct {
	mu       sync.Mutex
	queue    []types.Task
	reports  []report
	reported chan report

	claimKinds  []types.TaskKind
	completeErr error
}

func newFakeSource(tasks ...types.Task) *fakeSource {
	return &fakeSource{queue: tasks, reported: make(chan report, 64)}
}

func (s *fakeSource) Claim(_ context.Context, kinds []types.TaskKind) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimKinds = kinds
	if len(s.queue) == 0 {
		return nil, nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	t.Status = types.StatusRunning
	t.OwnerToken = "owner-" + string(t.ID)
	return &t, nil
}

func (s *fakeSource) record(r report) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	s.reported <- r
}

func (s *fakeSource) Complete(_ context.Context, id types.TaskID, _ string, result json.RawMessage, att types.TaskAttempt) error {
	s.record(report{op: "complete", id: id, result: result, att: att})
	return s.completeErr
}

func (s *fakeSource) Fail(_ context.Context, id types.TaskID, _ string, att types.TaskAttempt, cause error) error {
	s.record(report{op: "fail", id: id, att: att, cause: cause})
	return nil
}

func (s *fakeSource) Defer(_ context.Context, id types.TaskID, _ string, notBefore time.Time) error {
	s.record(report{op: "defer", id: id, notBefore: notBefore})
	return nil
}

func (s *fakeSource) await(t *testing.T, n int) []report {
	t.Helper()
	out := make([]report, 0, n)
	for len(out) < n {
		select {
		case r := <-s.reported:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for report %d of %d", len(out)+1, n)
		}
	}
	return out
}

func task(id string, kind types.TaskKind, payload string) types.Task {
	t := types.Task{ID: types.TaskID(id), Kind: kind, Status: types.StatusPending}
	if payload != "" {
		t.Payload = json.RawMessage(payload)
	}
	return t
}

func startPool(t *testing.T, src TaskSource, router *Router, cfg Config) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	pool := NewPool(src, router, cfg)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return pool
}

type echoPayload struct {
	Text string `json:"text"`
}

type echoResult struct {
	Echo string `json:"echo"`
	Try  int    `json:"try"`
}

func echoRouter(t *testing.T) *Router {
	t.Helper()
	b := NewBuilder()
	Register(b, "echo", func(_ context.Context, tc *TaskContext, p echoPayload) (echoResult, error) {
		return echoResult{Echo: p.Text, Try: tc.Attempt()}, nil
	})
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

// ============================================================================
// Router Tests
// ============================================================================

func TestBuilderRejectsBadRegistrations(t *testing.T) {
	noop := func(context.Context, *TaskContext) (json.RawMessage, error) { return nil, nil }

	_, err := NewBuilder().
		Handle("", noop).
		Handle("a", nil).
		Handle("b", noop).
		Handle("b", noop).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty task kind")
	assert.Contains(t, err.Error(), `nil handler for "a"`)
	assert.Contains(t, err.Error(), `duplicate handler for "b"`)

	r, err := NewBuilder().Handle("z", noop).Handle("a", noop).Build()
	require.NoError(t, err)
	assert.Equal(t, []types.TaskKind{"a", "z"}, r.Kinds())
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}

func TestPoolRequiresHandlers(t *testing.T) {
	r, err := NewBuilder().Build()
	require.NoError(t, err)
	pool := NewPool(newFakeSource(), r, Config{})
	assert.ErrorIs(t, pool.Start(context.Background()), ErrNoHandlers)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStartStop(t *testing.T) {
	pool := NewPool(newFakeSource(), echoRouter(t), Config{Workers: 4, PollInterval: time.Millisecond})
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start(context.Background()))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.Error(t, pool.Start(context.Background()))

	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolClosed)
}

func TestTypedHandlerCompletes(t *testing.T) {
	tk := task("t1", "echo", `{"text":"hi"}`)
	tk.AttemptCount = 2
	src := newFakeSource(tk)
	startPool(t, src, echoRouter(t), Config{})

	r := src.await(t, 1)[0]
	assert.Equal(t, "complete", r.op)
	assert.Equal(t, types.OutcomeSucceeded, r.att.Outcome)
	assert.JSONEq(t, `{"echo":"hi","try":3}`, string(r.result))

	src.mu.Lock()
	assert.Equal(t, []types.TaskKind{"echo"}, src.claimKinds)
	src.mu.Unlock()
}

func TestUndecodablePayloadIsPermanent(t *testing.T) {
	src := newFakeSource(task("bad", "echo", `{"text":`))
	startPool(t, src, echoRouter(t), Config{})

	r := src.await(t, 1)[0]
	require.Equal(t, "fail", r.op)
	assert.Equal(t, fault.ClassPermanent, fault.ClassOf(r.cause))
	assert.Equal(t, fault.KindMalformed, r.att.ErrorKind)
	assert.Equal(t, types.OutcomeFailed, r.att.Outcome)
}

func TestHandlerErrorsAreReported(t *testing.T) {
	b := NewBuilder()
	b.Handle("flaky", func(context.Context, *TaskContext) (json.RawMessage, error) {
		return nil, fault.Transient(fault.KindUnavailable, errors.New("upstream 503"))
	})
	b.Handle("boom", func(context.Context, *TaskContext) (json.RawMessage, error) {
		panic("nil map")
	})
	r, err := b.Build()
	require.NoError(t, err)

	src := newFakeSource(task("f", "flaky", ""), task("p", "boom", ""))
	startPool(t, src, r, Config{Workers: 1})

	got := map[types.TaskID]report{}
	for _, rep := range src.await(t, 2) {
		got[rep.id] = rep
	}

	assert.Equal(t, "fail", got["f"].op)
	assert.True(t, fault.IsRetryable(got["f"].cause))
	assert.Equal(t, fault.KindUnavailable, got["f"].att.ErrorKind)

	assert.Equal(t, "fail", got["p"].op)
	assert.Equal(t, fault.ClassPermanent, fault.ClassOf(got["p"].cause))
	assert.Equal(t, fault.KindPanic, got["p"].att.ErrorKind)
	assert.Contains(t, got["p"].cause.Error(), "nil map")
}

func TestUnknownKindIsProtocolError(t *testing.T) {
	src := newFakeSource()
	pool := NewPool(src, echoRouter(t), Config{})
	w := newWorker(0, pool)

	w.execute(context.Background(), task("x", "nobody", ""))
	r := src.await(t, 1)[0]
	assert.Equal(t, "fail", r.op)
	assert.Equal(t, fault.ClassProtocol, fault.ClassOf(r.cause))
}

// ============================================================================
// Breaker / Timeout Tests
// ============================================================================

func TestBreakerOpenDefersTask(t *testing.T) {
	retryAt := time.Now().Add(time.Hour)
	b := NewBuilder()
	b.Handle("notify", func(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
		return nil, tc.Call(ctx, "webhook:example", func(context.Context) error {
			return &breaker.OpenError{Name: "webhook:example", RetryAt: retryAt}
		})
	})
	r, err := b.Build()
	require.NoError(t, err)

	src := newFakeSource(task("n1", "notify", ""))
	startPool(t, src, r, Config{})

	rep := src.await(t, 1)[0]
	assert.Equal(t, "defer", rep.op)
	assert.True(t, rep.notBefore.Equal(retryAt))
}

func TestBreakerRegistryTripsThroughTaskContext(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	b := NewBuilder()
	b.Handle("notify", func(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
		return nil, tc.Call(ctx, "webhook:down", func(context.Context) error {
			return fault.Transient(fault.KindUnavailable, errors.New("connection refused"))
		})
	})
	r, err := b.Build()
	require.NoError(t, err)

	src := newFakeSource(task("a", "notify", ""), task("b", "notify", ""))
	startPool(t, src, r, Config{Workers: 1, Breakers: reg})

	reps := src.await(t, 2)
	assert.Equal(t, "fail", reps[0].op)
	assert.Equal(t, "defer", reps[1].op)
	assert.True(t, reps[1].notBefore.After(time.Now().Add(30*time.Minute)))
}

func TestClaimExpiryTimesOutHandler(t *testing.T) {
	b := NewBuilder()
	b.Handle("slow", func(ctx context.Context, _ *TaskContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := b.Build()
	require.NoError(t, err)

	tk := task("s", "slow", "")
	expires := time.Now().Add(30 * time.Millisecond)
	tk.ClaimExpiresAt = &expires
	src := newFakeSource(tk)
	startPool(t, src, r, Config{})

	rep := src.await(t, 1)[0]
	assert.Equal(t, "fail", rep.op)
	assert.Equal(t, types.OutcomeTimedOut, rep.att.Outcome)
	assert.Equal(t, fault.KindTimeout, rep.att.ErrorKind)
	assert.True(t, fault.IsRetryable(rep.cause))
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopDefersRunningTask(t *testing.T) {
	started := make(chan struct{})
	b := NewBuilder()
	b.Handle("block", func(ctx context.Context, _ *TaskContext) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := b.Build()
	require.NoError(t, err)

	tk := task("blk", "block", "")
	expires := time.Now().Add(time.Hour)
	tk.ClaimExpiresAt = &expires
	src := newFakeSource(tk)
	pool := NewPool(src, r, Config{PollInterval: time.Millisecond})
	require.NoError(t, pool.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	pool.Stop()

	rep := src.await(t, 1)[0]
	assert.Equal(t, "defer", rep.op)
	assert.Equal(t, types.TaskID("blk"), rep.id)
	assert.Equal(t, 0, pool.Active())
}

func TestStaleClaimDoesNotStopWorker(t *testing.T) {
	src := newFakeSource(task("a", "echo", `{"text":"1"}`), task("b", "echo", `{"text":"2"}`))
	src.completeErr = fmt.Errorf("%w: owner changed", taskstore.ErrStaleClaim)
	pool := startPool(t, src, echoRouter(t), Config{Workers: 1})

	reps := src.await(t, 2)
	assert.Equal(t, types.TaskID("a"), reps[0].id)
	assert.Equal(t, types.TaskID("b"), reps[1].id)
	assert.Eventually(t, func() bool { return pool.Processed() == 2 }, time.Second, time.Millisecond)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	const taskCount = 100
	tasks := make([]types.Task, taskCount)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("task-%d", i), "echo", fmt.Sprintf(`{"text":"%d"}`, i))
	}
	src := newFakeSource(tasks...)
	src.reported = make(chan report, taskCount)
	startPool(t, src, echoRouter(t), Config{Workers: 8})

	seen := map[types.TaskID]bool{}
	for _, r := range src.await(t, taskCount) {
		assert.Equal(t, "complete", r.op)
		assert.False(t, seen[r.id], "task %s reported twice", r.id)
		seen[r.id] = true
	}
	assert.Len(t, seen, taskCount)
}
