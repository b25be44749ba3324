package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/internal/deadletter"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/retry"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type events struct {
	mu  sync.Mutex
	got []notify.Event
}

func (e *events) Publish(_ context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

func (e *events) types() []notify.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]notify.EventType, len(e.got))
	for i, ev := range e.got {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	ctl   *Controller
	clock *clock
	dead  *deadletter.MemorySink
	ev    *events
}

func testPolicy() *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		ClaimTimeout: 5 * time.Second,
	}, nil, retry.WithJitter(func(time.Duration) time.Duration { return 0 }))
}

// createTestController creates a controller over store with a manual clock
func createTestController(t *testing.T, store taskstore.Store, clk *clock) *harness {
	t.Helper()
	h := &harness{clock: clk, dead: deadletter.NewMemorySink(), ev: &events{}}
	ctl, err := NewController(store, Config{
		SweepInterval: time.Hour,
		Policy:        testPolicy(),
		DeadLetters:   h.dead,
		Publisher:     h.ev,
		Now:           clk.Now,
	})
	require.NoError(t, err)
	h.ctl = ctl
	return h
}

func submit(t *testing.T, ctl *Controller, key string) types.Task {
	t.Helper()
	task, created, err := ctl.Submit(context.Background(), taskstore.SubmitRequest{
		Kind:           "changeset.apply",
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"document_id":"trip-1"}`),
		TraceID:        "trace-" + key,
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func claim(t *testing.T, ctl *Controller) *types.Task {
	t.Helper()
	task, err := ctl.Claim(context.Background(), []types.TaskKind{"changeset.apply"})
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewControllerRequiresStore(t *testing.T) {
	_, err := NewController(nil, Config{})
	assert.Error(t, err)
}

func TestSubmitIsIdempotent(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()

	first := submit(t, h.ctl, "k1")
	again, created, err := h.ctl.Submit(ctx, taskstore.SubmitRequest{Kind: "changeset.apply", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = h.ctl.Submit(ctx, taskstore.SubmitRequest{Kind: "changeset.apply"})
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)
}

func TestClaimAndComplete(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	task := submit(t, h.ctl, "k1")

	claimed := claim(t, h.ctl)
	assert.Equal(t, task.ID, claimed.ID)
	require.NotNil(t, claimed.ClaimExpiresAt)
	assert.Equal(t, h.clock.Now().Add(5*time.Second), *claimed.ClaimExpiresAt)

	none, err := h.ctl.Claim(ctx, []types.TaskKind{"changeset.apply"})
	require.NoError(t, err)
	assert.Nil(t, none)

	att := types.TaskAttempt{StartedAt: h.clock.Now()}
	require.NoError(t, h.ctl.Complete(ctx, claimed.ID, claimed.OwnerToken, json.RawMessage(`{"ok":true}`), att))

	got, err := h.ctl.Store().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	require.Len(t, h.ev.got, 1)
	assert.Equal(t, notify.TaskCompleted, h.ev.got[0].Type)
	assert.Equal(t, "trace-k1", h.ev.got[0].TraceID)
	assert.NotEmpty(t, h.ev.got[0].ID)

	// 重複回報：認領已不存在
	err = h.ctl.Complete(ctx, claimed.ID, claimed.OwnerToken, nil, att)
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)
}

// ============================================================================
// Retry / Dead Letter Tests
// ============================================================================

func TestTransientFailureRetriesThenDies(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	task := submit(t, h.ctl, "k1")
	cause := fault.Transient(fault.KindUnavailable, errors.New("upstream 503"))

	// 第 1、2 次失敗：退避 1s、2s 後重新排程
	for i, delay := range []time.Duration{time.Second, 2 * time.Second} {
		c := claim(t, h.ctl)
		require.NoError(t, h.ctl.Fail(ctx, c.ID, c.OwnerToken, types.TaskAttempt{StartedAt: h.clock.Now()}, cause))

		got, err := h.ctl.Store().Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, i+1, got.AttemptCount)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, h.clock.Now().Add(delay), *got.NextRetryAt)

		none, err := h.ctl.Claim(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, none, "task must not be claimable before its backoff")
		h.clock.Advance(delay)
	}

	c := claim(t, h.ctl)
	require.NoError(t, h.ctl.Fail(ctx, c.ID, c.OwnerToken, types.TaskAttempt{StartedAt: h.clock.Now()}, cause))

	got, err := h.ctl.Store().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	entries, err := h.ctl.DeadLetters(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "retries exhausted", entries[0].Reason)
	require.Len(t, entries[0].Attempts, 3)
	for i, a := range entries[0].Attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, fault.KindUnavailable, a.ErrorKind)
	}
	assert.Equal(t, []notify.EventType{notify.TaskDead}, h.ev.types())
}

func TestPermanentFailureGoesStraightToDead(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	submit(t, h.ctl, "k1")

	c := claim(t, h.ctl)
	cause := fault.Permanent(fault.KindValidation, errors.New("document trip-9 not found"))
	require.NoError(t, h.ctl.Fail(ctx, c.ID, c.OwnerToken, types.TaskAttempt{}, cause))

	got, err := h.ctl.Store().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "trip-9")

	entries, err := h.ctl.DeadLetters(ctx, deadletter.Filter{Kind: "changeset.apply"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "permanent error", entries[0].Reason)
}

func TestConflictFailsWithoutDeadLetter(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	submit(t, h.ctl, "k1")

	c := claim(t, h.ctl)
	require.NoError(t, h.ctl.Fail(ctx, c.ID, c.OwnerToken, types.TaskAttempt{}, fault.Conflict(errors.New("escalated"))))

	got, err := h.ctl.Store().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)

	entries, err := h.ctl.DeadLetters(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []notify.EventType{notify.TaskFailed}, h.ev.types())
}

func TestDeferDoesNotConsumeAttempt(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	submit(t, h.ctl, "k1")

	c := claim(t, h.ctl)
	require.NoError(t, h.ctl.Defer(ctx, c.ID, c.OwnerToken, h.clock.Now().Add(time.Minute)))

	got, err := h.ctl.Store().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	none, err := h.ctl.Claim(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	h.clock.Advance(time.Minute)
	again := claim(t, h.ctl)
	assert.Equal(t, c.ID, again.ID)
	assert.NotEqual(t, c.OwnerToken, again.OwnerToken)

	assert.ErrorIs(t, h.ctl.Defer(ctx, c.ID, c.OwnerToken, time.Time{}), taskstore.ErrStaleClaim)
}

// ============================================================================
// Sweep / Recovery Tests
// ============================================================================

func TestSweepExpiresClaims(t *testing.T) {
	h := createTestController(t, taskstore.NewMemory(), newClock())
	ctx := context.Background()
	submit(t, h.ctl, "k1")
	c := claim(t, h.ctl)

	n, err := h.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(6 * time.Second)
	n, err = h.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.ctl.Store().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	attempts, err := h.ctl.Store().Attempts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.OutcomeTimedOut, attempts[0].Outcome)
	assert.Equal(t, fault.KindTimeout, attempts[0].ErrorKind)

	// 原 worker 晚到的回報被丟棄
	err = h.ctl.Complete(ctx, c.ID, c.OwnerToken, nil, types.TaskAttempt{})
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)
}

func TestRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()
	ctx := context.Background()

	store, err := taskstore.OpenDurable(taskstore.DurableOptions{Dir: dir})
	require.NoError(t, err)
	h := createTestController(t, store, clk)
	running := submit(t, h.ctl, "running")
	claim(t, h.ctl)
	pending := submit(t, h.ctl, "pending")
	// 崩潰：沒有 Stop，直接關閉儲存
	require.NoError(t, store.Close())

	clk.Advance(10 * time.Second)
	store, err = taskstore.OpenDurable(taskstore.DurableOptions{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	h = createTestController(t, store, clk)
	require.NoError(t, h.ctl.Start(ctx))

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	got, err = store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tasks.Pending)
	assert.Equal(t, 0, st.Tasks.Running)

	require.NoError(t, h.ctl.Stop())
	require.NoError(t, h.ctl.Stop())

	_, _, err = h.ctl.Submit(ctx, taskstore.SubmitRequest{Kind: "x", IdempotencyKey: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}
