package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/itinerary-coord/internal/controller"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/taskrpc"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

type env struct {
	srv    *Server
	ctl    *controller.Controller
	store  *taskstore.Memory
	conn   *grpc.ClientConn
	client *taskrpc.Client
}

func setup(t *testing.T) *env {
	t.Helper()
	store := taskstore.NewMemory()
	ctl, err := controller.NewController(store, controller.Config{SweepInterval: time.Hour})
	require.NoError(t, err)

	srv := NewServer(ctl)
	lis := bufconn.Listen(1 << 20)
	g := srv.NewGRPCServer()
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &env{srv: srv, ctl: ctl, store: store, conn: conn, client: taskrpc.NewClient(conn)}
}

func (e *env) submit(t *testing.T, key string, payload string) types.Task {
	t.Helper()
	resp, err := e.client.Submit(context.Background(), taskstore.SubmitRequest{
		Kind:           "echo",
		IdempotencyKey: key,
		Payload:        json.RawMessage(payload),
		TraceID:        "tr-" + key,
	})
	require.NoError(t, err)
	return resp.Task
}

func TestRemoteSubmitClaimComplete(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	task := e.submit(t, "k1", `{"text":"hi"}`)
	assert.Equal(t, types.StatusPending, task.Status)
	assert.Equal(t, "tr-k1", task.TraceID)

	resp, err := e.client.Submit(ctx, taskstore.SubmitRequest{Kind: "echo", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, resp.Created)
	assert.Equal(t, task.ID, resp.Task.ID)

	src := worker.NewGrpcTaskSource(e.conn, "w-1")
	claimed, err := src.Claim(ctx, []types.TaskKind{"echo"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(claimed.Payload))
	require.NotNil(t, claimed.ClaimExpiresAt)

	none, err := src.Claim(ctx, []types.TaskKind{"echo"})
	require.NoError(t, err)
	assert.Nil(t, none)

	att := types.TaskAttempt{StartedAt: time.Now(), EndedAt: time.Now(), Outcome: types.OutcomeSucceeded}
	require.NoError(t, src.Complete(ctx, claimed.ID, claimed.OwnerToken, json.RawMessage(`{"echo":"hi"}`), att))

	got, err := e.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(got.Result))

	// 第二次回報：認領已結束
	err = src.Complete(ctx, claimed.ID, claimed.OwnerToken, nil, att)
	assert.ErrorIs(t, err, taskstore.ErrStaleClaim)

	workers := e.srv.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "w-1", workers[0].WorkerID)
	assert.Equal(t, 1, workers[0].Claims)
	assert.Equal(t, []types.TaskKind{"echo"}, workers[0].Kinds)
}

func TestRemoteFailureKeepsClassification(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	src := worker.NewGrpcTaskSource(e.conn, "w-1")

	task := e.submit(t, "perm", `{}`)
	claimed, err := src.Claim(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	cause := fault.Permanent(fault.KindAuth, errors.New("401 from partner"))
	require.NoError(t, src.Fail(ctx, claimed.ID, claimed.OwnerToken, types.TaskAttempt{ErrorKind: fault.KindAuth}, cause))

	got, err := e.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, got.Status)
	assert.Contains(t, got.LastError, "401 from partner")

	attempts, err := e.store.Attempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, fault.KindAuth, attempts[0].ErrorKind)
}

func TestRemoteDeferAndErrors(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	src := worker.NewGrpcTaskSource(e.conn, "w-1")

	task := e.submit(t, "d", `{}`)
	claimed, err := src.Claim(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, src.Defer(ctx, claimed.ID, claimed.OwnerToken, time.Now().Add(time.Hour)))
	got, err := e.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	err = src.Defer(ctx, "missing", "x", time.Time{})
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)

	_, err = e.client.Claim(ctx, taskrpc.ClaimRequest{})
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)

	_, err = e.client.Submit(ctx, taskstore.SubmitRequest{Kind: "echo"})
	assert.ErrorIs(t, err, taskstore.ErrInvalidRequest)
}

func TestStoppedControllerIsUnavailable(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.ctl.Stop())

	_, err := worker.NewGrpcTaskSource(e.conn, "w-1").Claim(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
}

func TestRemoteWorkerPoolEndToEnd(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	b := worker.NewBuilder()
	worker.Register(b, "echo", func(_ context.Context, _ *worker.TaskContext, p map[string]string) (map[string]string, error) {
		return map[string]string{"echo": p["text"]}, nil
	})
	router, err := b.Build()
	require.NoError(t, err)

	ids := make([]types.TaskID, 0, 5)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, e.submit(t, k, `{"text":"`+k+`"}`).ID)
	}

	pool := worker.NewPool(worker.NewGrpcTaskSource(e.conn, "remote"), router, worker.Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	assert.Eventually(t, func() bool {
		st, err := e.store.Stats(ctx)
		return err == nil && st.Completed == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.store.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"c"}`, string(got.Result))
}
