// Package server exposes the controller to remote workers over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/itinerary-coord/internal/controller"
	"github.com/ChuLiYu/itinerary-coord/internal/taskrpc"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var log = slog.Default()

// Server implements taskrpc.Server on top of the controller.
type Server struct {
	controller *controller.Controller
	now        func() time.Time

	// Worker Registry
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// WorkerInfo tracks the remote workers that have claimed through this server.
type WorkerInfo struct {
	WorkerID string           `json:"worker_id"`
	Kinds    []types.TaskKind `json:"kinds"`
	Claims   int              `json:"claims"`
	LastSeen time.Time        `json:"last_seen"`
}

var _ taskrpc.Server = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{
		controller: ctrl,
		now:        time.Now,
		workers:    make(map[string]*WorkerInfo),
	}
}

// Register attaches the task service to s.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	taskrpc.RegisterServer(g, s)
}

// NewGRPCServer builds a grpc.Server with the task service and request logging.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}

// ListenAndServe serves on addr until ctx is canceled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g := s.NewGRPCServer()

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	log.Info("Task service listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil && status.Code(err) != codes.FailedPrecondition {
		log.Warn("RPC failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		log.Debug("RPC", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// Submit handles task submission from clients.
func (s *Server) Submit(ctx context.Context, req taskstore.SubmitRequest) (taskrpc.SubmitResponse, error) {
	task, created, err := s.controller.Submit(ctx, req)
	if err != nil {
		return taskrpc.SubmitResponse{}, mapError(err)
	}
	return taskrpc.SubmitResponse{Task: task, Created: created}, nil
}

// Claim hands one due task to a remote worker and records its liveness.
func (s *Server) Claim(ctx context.Context, req taskrpc.ClaimRequest) (taskrpc.ClaimResponse, error) {
	if req.WorkerID == "" {
		return taskrpc.ClaimResponse{}, status.Error(codes.InvalidArgument, "worker_id is required")
	}
	task, err := s.controller.Claim(ctx, req.Kinds)
	s.touch(req.WorkerID, req.Kinds, task != nil)
	if err != nil {
		return taskrpc.ClaimResponse{}, mapError(err)
	}
	return taskrpc.ClaimResponse{Task: task}, nil
}

// Complete records a remote success.
func (s *Server) Complete(ctx context.Context, req taskrpc.CompleteRequest) (taskrpc.Empty, error) {
	err := s.controller.Complete(ctx, req.TaskID, req.OwnerToken, req.Result, req.Attempt)
	return taskrpc.Empty{}, mapError(err)
}

// Fail records a remote failure using the classification sent by the worker.
func (s *Server) Fail(ctx context.Context, req taskrpc.FailRequest) (taskrpc.Empty, error) {
	err := s.controller.Fail(ctx, req.TaskID, req.OwnerToken, req.Attempt, req.Cause())
	return taskrpc.Empty{}, mapError(err)
}

// Defer returns a remote claim without consuming an attempt.
func (s *Server) Defer(ctx context.Context, req taskrpc.DeferRequest) (taskrpc.Empty, error) {
	err := s.controller.Defer(ctx, req.TaskID, req.OwnerToken, req.NotBefore)
	return taskrpc.Empty{}, mapError(err)
}

// Workers lists the known remote workers sorted by id.
func (s *Server) Workers() []WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		c := *w
		c.Kinds = append([]types.TaskKind(nil), w.Kinds...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func (s *Server) touch(id string, kinds []types.TaskKind, claimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.workers[id]
	if !ok {
		info = &WorkerInfo{WorkerID: id}
		s.workers[id] = info
		log.Info("Worker connected", "workerID", id, "kinds", kinds)
	}
	info.Kinds = append(info.Kinds[:0], kinds...)
	info.LastSeen = s.now()
	if claimed {
		info.Claims++
	}
}

// Helpers

func mapError(err error) error {
	if errors.Is(err, controller.ErrStopped) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return taskrpc.StatusError(err)
}
