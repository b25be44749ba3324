// Package storetest holds the behaviour every taskstore.Store must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) taskstore.Store

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ttl(types.TaskKind) time.Duration { return 30 * time.Second }

func submit(t *testing.T, s taskstore.Store, kind types.TaskKind, key string, prio int, notBefore time.Time, now time.Time) types.Task {
	t.Helper()
	task, created, err := s.Submit(context.Background(), taskstore.SubmitRequest{
		Kind:           kind,
		Payload:        json.RawMessage(`{"n":1}`),
		IdempotencyKey: key,
		Priority:       prio,
		NotBefore:      notBefore,
	}, now)
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func claim(t *testing.T, s taskstore.Store, now time.Time, kinds ...types.TaskKind) *types.Task {
	t.Helper()
	task, err := s.ClaimNext(context.Background(), taskstore.ClaimRequest{Kinds: kinds, Now: now, TTL: ttl})
	require.NoError(t, err)
	return task
}

// Run executes the shared suite against stores built by f.
func Run(t *testing.T, f Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s taskstore.Store)
	}{
		{"IdempotentSubmit", testIdempotentSubmit},
		{"SubmitValidation", testSubmitValidation},
		{"ClaimOrder", testClaimOrder},
		{"NotBefore", testNotBefore},
		{"KindFilter", testKindFilter},
		{"SingleClaim", testSingleClaim},
		{"CompleteOwnerToken", testCompleteOwnerToken},
		{"FailRetryThenDead", testFailRetryThenDead},
		{"ReleaseKeepsAttempts", testReleaseKeepsAttempts},
		{"Expired", testExpired},
		{"ChangesSignal", testChangesSignal},
		{"StatsAndNextDue", testStatsAndNextDue},
		{"NotFound", testNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := f(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testIdempotentSubmit(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	req := taskstore.SubmitRequest{Kind: "enrich", Payload: json.RawMessage(`{"a":1}`), IdempotencyKey: "dup", TraceID: "trace-1"}

	first, created, err := s.Submit(ctx, req, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.StatusPending, first.Status)
	assert.Equal(t, "trace-1", first.TraceID)

	req.Payload = json.RawMessage(`{"a":2}`)
	second, created, err := s.Submit(ctx, req, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"a":1}`, string(second.Payload))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func testSubmitValidation(t *testing.T, s taskstore.Store) {
	_, _, err := s.Submit(context.Background(), taskstore.SubmitRequest{Kind: "enrich"}, t0)
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)
	_, _, err = s.Submit(context.Background(), taskstore.SubmitRequest{IdempotencyKey: "k"}, t0)
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)
}

func testClaimOrder(t *testing.T, s taskstore.Store) {
	low1 := submit(t, s, "k", "low-1", 0, time.Time{}, t0)
	low2 := submit(t, s, "k", "low-2", 0, time.Time{}, t0)
	high := submit(t, s, "k", "high", 5, time.Time{}, t0.Add(time.Second))
	earlier := submit(t, s, "k", "earlier", 0, time.Time{}, t0.Add(-time.Minute))

	now := t0.Add(time.Minute)
	var got []types.TaskID
	for i := 0; i < 4; i++ {
		c := claim(t, s, now)
		require.NotNil(t, c)
		assert.Equal(t, types.StatusRunning, c.Status)
		assert.NotEmpty(t, c.OwnerToken)
		require.NotNil(t, c.ClaimExpiresAt)
		assert.True(t, c.ClaimExpiresAt.Equal(now.Add(30*time.Second)))
		got = append(got, c.ID)
	}
	assert.Equal(t, []types.TaskID{high.ID, earlier.ID, low1.ID, low2.ID}, got)
	assert.Nil(t, claim(t, s, now))
}

func testNotBefore(t *testing.T, s taskstore.Store) {
	task := submit(t, s, "k", "later", 0, t0.Add(time.Hour), t0)
	assert.True(t, task.ScheduledAt.Equal(t0.Add(time.Hour)))

	assert.Nil(t, claim(t, s, t0.Add(59*time.Minute)))
	c := claim(t, s, t0.Add(time.Hour))
	require.NotNil(t, c)
	assert.Equal(t, task.ID, c.ID)
}

func testKindFilter(t *testing.T, s taskstore.Store) {
	submit(t, s, "enrich", "a", 0, time.Time{}, t0)
	hook := submit(t, s, "webhook.deliver", "b", 0, time.Time{}, t0)

	c := claim(t, s, t0, "webhook.deliver")
	require.NotNil(t, c)
	assert.Equal(t, hook.ID, c.ID)
	assert.Nil(t, claim(t, s, t0, "webhook.deliver"))
	assert.Nil(t, claim(t, s, t0, "unknown"))
	assert.NotNil(t, claim(t, s, t0, "enrich", "webhook.deliver"))
}

func testSingleClaim(t *testing.T, s taskstore.Store) {
	const tasks = 40
	for i := 0; i < tasks; i++ {
		submit(t, s, "k", fmt.Sprintf("key-%d", i), i%3, time.Time{}, t0)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[types.TaskID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := s.ClaimNext(context.Background(), taskstore.ClaimRequest{Now: t0, TTL: ttl})
				if !assert.NoError(t, err) || c == nil {
					return
				}
				mu.Lock()
				claimed[c.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func testCompleteOwnerToken(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	submit(t, s, "k", "a", 0, time.Time{}, t0)
	c := claim(t, s, t0)
	require.NotNil(t, c)

	_, err := s.Complete(ctx, taskstore.CompleteRequest{ID: c.ID, OwnerToken: "someone-else", Now: t0})
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)

	done, err := s.Complete(ctx, taskstore.CompleteRequest{
		ID:         c.ID,
		OwnerToken: c.OwnerToken,
		Result:     json.RawMessage(`{"ok":true}`),
		Attempt:    types.TaskAttempt{StartedAt: t0, EndedAt: t0.Add(time.Second)},
		Now:        t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Empty(t, done.OwnerToken)
	assert.Equal(t, 1, done.AttemptCount)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	// 第二次完成是 no-op
	_, err = s.Complete(ctx, taskstore.CompleteRequest{ID: c.ID, OwnerToken: c.OwnerToken, Now: t0})
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)

	attempts, err := s.Attempts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.OutcomeSucceeded, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
}

func testFailRetryThenDead(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	task := submit(t, s, "enrich", "a", 0, time.Time{}, t0)

	now := t0
	for i := 1; i <= 2; i++ {
		c := claim(t, s, now)
		require.NotNil(t, c, "attempt %d", i)
		next := now.Add(time.Duration(i) * time.Second)
		failed, err := s.Fail(ctx, taskstore.FailRequest{
			ID:            c.ID,
			OwnerToken:    c.OwnerToken,
			Attempt:       types.TaskAttempt{StartedAt: now, EndedAt: now, Outcome: types.OutcomeTimedOut, ErrorKind: "timeout", ErrorMessage: "deadline exceeded"},
			Status:        types.StatusPending,
			NextAttemptAt: next,
			Now:           now,
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, failed.Status)
		assert.Equal(t, i, failed.AttemptCount)
		assert.True(t, failed.ScheduledAt.Equal(next))
		require.NotNil(t, failed.NextRetryAt)
		assert.Equal(t, "deadline exceeded", failed.LastError)

		// 尚未到期不可認領
		assert.Nil(t, claim(t, s, next.Add(-time.Millisecond)))
		now = next
	}

	c := claim(t, s, now)
	require.NotNil(t, c)
	dead, err := s.Fail(ctx, taskstore.FailRequest{
		ID:         c.ID,
		OwnerToken: c.OwnerToken,
		Attempt:    types.TaskAttempt{Outcome: types.OutcomeTimedOut, ErrorKind: "timeout", ErrorMessage: "deadline exceeded"},
		Status:     types.StatusDead,
		Now:        now,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, dead.Status)
	assert.Equal(t, 3, dead.AttemptCount)
	assert.Nil(t, claim(t, s, now.Add(time.Hour)))

	attempts, err := s.Attempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}

	_, err = s.Fail(ctx, taskstore.FailRequest{ID: task.ID, OwnerToken: c.OwnerToken, Status: types.StatusCompleted, Now: now})
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)
}

func testReleaseKeepsAttempts(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	submit(t, s, "k", "a", 0, time.Time{}, t0)
	c := claim(t, s, t0)
	require.NotNil(t, c)

	released, err := s.Release(ctx, c.ID, c.OwnerToken, t0.Add(10*time.Second), t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, released.Status)
	assert.Zero(t, released.AttemptCount)
	assert.Empty(t, released.OwnerToken)

	assert.Nil(t, claim(t, s, t0.Add(5*time.Second)))
	again := claim(t, s, t0.Add(10*time.Second))
	require.NotNil(t, again)
	assert.NotEqual(t, c.OwnerToken, again.OwnerToken)

	_, err = s.Release(ctx, c.ID, c.OwnerToken, t0, t0)
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)

	attempts, err := s.Attempts(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func testExpired(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	submit(t, s, "k", "a", 0, time.Time{}, t0)
	submit(t, s, "k", "b", 0, time.Time{}, t0)
	first := claim(t, s, t0)
	second := claim(t, s, t0.Add(10*time.Second))
	require.NotNil(t, first)
	require.NotNil(t, second)

	expired, err := s.Expired(ctx, t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.Expired(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, first.ID, expired[0].ID)
	assert.Equal(t, first.OwnerToken, expired[0].OwnerToken)

	expired, err = s.Expired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func testChangesSignal(t *testing.T, s taskstore.Store) {
	// 清空啟動時的訊號
	select {
	case <-s.Changes():
	default:
	}

	submit(t, s, "k", "a", 0, time.Time{}, t0)
	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signal after submit")
	}
}

func testStatsAndNextDue(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	_, found, err := s.NextDue(ctx, nil)
	require.NoError(t, err)
	assert.False(t, found)

	submit(t, s, "enrich", "a", 0, t0.Add(time.Hour), t0)
	submit(t, s, "enrich", "b", 0, t0.Add(2*time.Hour), t0)
	submit(t, s, "webhook.deliver", "c", 0, time.Time{}, t0)

	due, found, err := s.NextDue(ctx, []types.TaskKind{"enrich"})
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, due.Equal(t0.Add(time.Hour)))

	due, found, err = s.NextDue(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, due.Equal(t0))

	require.NotNil(t, claim(t, s, t0, "webhook.deliver"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 2, stats.ByKind["enrich"])
}

func testNotFound(t *testing.T, s taskstore.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
	_, err = s.Attempts(ctx, "missing")
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
	_, err = s.Complete(ctx, taskstore.CompleteRequest{ID: "missing", OwnerToken: "x", Now: t0})
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
}
