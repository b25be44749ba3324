package worker

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/itinerary-coord/internal/taskrpc"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// GrpcTaskSource is a TaskSource backed by a remote coordinator.
// It does not implement Notifier, so idle workers poll.
type GrpcTaskSource struct {
	client   *taskrpc.Client
	workerID string
}

// NewGrpcTaskSource creates a source over an established connection.
func NewGrpcTaskSource(conn grpc.ClientConnInterface, workerID string) *GrpcTaskSource {
	return &GrpcTaskSource{
		client:   taskrpc.NewClient(conn),
		workerID: workerID,
	}
}

// Claim asks the coordinator for one due task.
func (s *GrpcTaskSource) Claim(ctx context.Context, kinds []types.TaskKind) (*types.Task, error) {
	resp, err := s.client.Claim(ctx, taskrpc.ClaimRequest{WorkerID: s.workerID, Kinds: kinds})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *GrpcTaskSource) Complete(ctx context.Context, id types.TaskID, owner string, result json.RawMessage, att types.TaskAttempt) error {
	return s.client.Complete(ctx, taskrpc.CompleteRequest{
		TaskID:     id,
		OwnerToken: owner,
		Result:     result,
		Attempt:    att,
	})
}

// Fail sends the classification of cause along with the attempt; the
// coordinator applies its own retry policy.
func (s *GrpcTaskSource) Fail(ctx context.Context, id types.TaskID, owner string, att types.TaskAttempt, cause error) error {
	return s.client.Fail(ctx, taskrpc.NewFailRequest(id, owner, att, cause))
}

func (s *GrpcTaskSource) Defer(ctx context.Context, id types.TaskID, owner string, notBefore time.Time) error {
	return s.client.Defer(ctx, taskrpc.DeferRequest{TaskID: id, OwnerToken: owner, NotBefore: notBefore})
}

var _ TaskSource = (*GrpcTaskSource)(nil)
