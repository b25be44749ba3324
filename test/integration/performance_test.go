// ============================================================================
// Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: Throughput, recovery time and concurrent document edits
//
// TestSystemThroughput:
//   - 8 workers, 500 tasks, 0-5ms simulated latency
//   - target: everything completes within 10s
//
// TestRecoveryPerformance:
//   - 5000 tasks written through the WAL, half of them snapshotted
//   - measure reopen (snapshot load + WAL replay) and the recovery sweep
//   - target: < 3 second recovery time
//
// TestConcurrentChangeSets:
//   - 100 changeset.apply tasks against one document, all based on version 0
//   - every task ends COMPLETED (applied or resolved) or FAILED (escalated)
//   - committed revisions form a gap-free version chain
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/changeengine"
	"github.com/ChuLiYu/itinerary-coord/internal/docstore"
	"github.com/ChuLiYu/itinerary-coord/internal/handlers"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	ctx := context.Background()
	store, err := taskstore.OpenDurable(taskstore.DurableOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	ctrl := newController(t, store, nil, 5*time.Second)
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	latency := func(ctx context.Context, tc *worker.TaskContext, p simPayload) (simResult, error) {
		time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
		return simResult{N: p.N}, nil
	}
	pool := startPool(t, ctx, ctrl, 8, latency)
	defer pool.Stop()

	const totalJobs = 500
	start := time.Now()
	submitN(t, ctx, ctrl, totalJobs)
	waitStats(t, ctrl, 10*time.Second, func(s taskstore.Stats) bool { return s.Completed == totalJobs })
	elapsed := time.Since(start)

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total tasks: %d", totalJobs)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f tasks/second", float64(totalJobs)/elapsed.Seconds())
	t.Logf("Processed by pool: %d", pool.Processed())
	assert.GreaterOrEqual(t, pool.Processed(), int64(totalJobs))
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	ctx := context.Background()
	dir := t.TempDir()
	const totalJobs = 5000

	store, err := taskstore.OpenDurable(taskstore.DurableOptions{Dir: dir})
	require.NoError(t, err)
	ctrl := newController(t, store, nil, 5*time.Second)
	submitN(t, ctx, ctrl, totalJobs/2)
	require.NoError(t, store.Snapshot())
	for i := totalJobs / 2; i < totalJobs; i++ {
		_, _, err := ctrl.Submit(ctx, taskstore.SubmitRequest{Kind: simKind, IdempotencyKey: fmt.Sprintf("sim-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	start := time.Now()
	store, err = taskstore.OpenDurable(taskstore.DurableOptions{Dir: dir})
	require.NoError(t, err)
	defer store.Close()
	ctrl = newController(t, store, nil, 5*time.Second)
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()
	recovery := time.Since(start)

	st, err := ctrl.Status(ctx)
	require.NoError(t, err)
	t.Logf("Recovered %d tasks in %v (sweep %v)", st.Tasks.Pending, recovery, st.RecoveryTime)
	assert.Equal(t, totalJobs, st.Tasks.Pending)
	assert.Less(t, recovery, 3*time.Second)
}

func TestConcurrentChangeSets(t *testing.T) {
	ctx := context.Background()
	docs, err := docstore.OpenBolt(ctx, t.TempDir()+"/documents.db")
	require.NoError(t, err)
	defer docs.Close()

	engine := changeengine.New(docs, changeengine.Config{MaxCommitRetries: 20})
	var elements []types.Element
	for i := 0; i < 10; i++ {
		elements = append(elements, types.Element{ID: fmt.Sprintf("n%d", i), Container: "day-1", Position: i})
	}
	_, err = engine.Create(ctx, "trip-1", elements)
	require.NoError(t, err)

	ctrl := newController(t, taskstore.NewMemory(), nil, 5*time.Second)
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	router, err := handlers.Register(worker.NewBuilder(), handlers.Deps{Engine: engine}).Build()
	require.NoError(t, err)
	pool := worker.NewPool(ctrl, router, worker.Config{
		Workers:      8,
		PollInterval: 10 * time.Millisecond,
		Breakers:     breaker.NewRegistry(breaker.DefaultConfig(), nil),
	})
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	const total = 100
	for i := 0; i < total; i++ {
		cs := types.ChangeSet{
			DocumentID:  "trip-1",
			BaseVersion: 0,
			Operations: []types.ChangeOperation{{
				Kind:     types.OpUpdate,
				TargetID: fmt.Sprintf("n%d", i%10),
				Payload:  types.UpdatePayload{Data: json.RawMessage(fmt.Sprintf(`{"edit":%d}`, i))},
			}},
		}
		payload, err := json.Marshal(cs)
		require.NoError(t, err)
		_, _, err = ctrl.Submit(ctx, taskstore.SubmitRequest{
			Kind:           handlers.KindChangeSetApply,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("cs-%d", i),
		})
		require.NoError(t, err)
	}

	st := waitStats(t, ctrl, 10*time.Second, func(s taskstore.Stats) bool {
		return s.Completed+s.Failed == total
	})
	assert.Zero(t, st.Dead)

	doc, err := docs.Load(ctx, "trip-1")
	require.NoError(t, err)
	revs, err := docs.Revisions(ctx, "trip-1", 0)
	require.NoError(t, err)
	require.Len(t, revs, int(doc.Version))
	require.NotEmpty(t, revs)
	for i, rev := range revs {
		assert.Equal(t, int64(i), rev.FromVersion)
		assert.Equal(t, int64(i+1), rev.ToVersion)
	}
	// 沒有元素遺失
	assert.Len(t, doc.Elements, 10)
	t.Logf("version %d after %d change sets (%d completed, %d failed)", doc.Version, total, st.Completed, st.Failed)
}
