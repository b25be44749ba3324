// Package taskrpc 協調者與遠端 worker 之間的 gRPC 任務服務
//
// 訊息以 google.protobuf.Struct 傳送：Go 結構先編成 JSON，再轉成 Struct，
// 所以不需要產生的程式碼，欄位名稱沿用 pkg/types 的 JSON tag。
package taskrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "coord.v1.TaskService"

// ============================================================================
// 訊息
// ============================================================================

// SubmitResponse Submit 的回應
type SubmitResponse struct {
	Task    types.Task `json:"task"`
	Created bool       `json:"created"`
}

// ClaimRequest 認領請求
type ClaimRequest struct {
	WorkerID string           `json:"worker_id"`
	Kinds    []types.TaskKind `json:"kinds"`
}

// ClaimResponse Task 為 nil 表示沒有可認領任務
type ClaimResponse struct {
	Task *types.Task `json:"task,omitempty"`
}

// CompleteRequest 回報成功
type CompleteRequest struct {
	TaskID     types.TaskID      `json:"task_id"`
	OwnerToken string            `json:"owner_token"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Attempt    types.TaskAttempt `json:"attempt"`
}

// FailRequest 回報失敗；錯誤分類隨請求傳送，由協調者套用重試策略
type FailRequest struct {
	TaskID     types.TaskID      `json:"task_id"`
	OwnerToken string            `json:"owner_token"`
	Attempt    types.TaskAttempt `json:"attempt"`
	ErrorClass fault.Class       `json:"error_class"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Message    string            `json:"message"`
}

// DeferRequest 歸還認領
type DeferRequest struct {
	TaskID     types.TaskID `json:"task_id"`
	OwnerToken string       `json:"owner_token"`
	NotBefore  time.Time    `json:"not_before"`
}

// Empty 沒有內容的回應
type Empty struct{}

// NewFailRequest captures the class and kind of cause for the wire.
func NewFailRequest(id types.TaskID, owner string, att types.TaskAttempt, cause error) FailRequest {
	req := FailRequest{TaskID: id, OwnerToken: owner, Attempt: att}
	if cause != nil {
		req.ErrorClass = fault.ClassOf(cause)
		req.ErrorKind = fault.KindOf(cause)
		req.Message = cause.Error()
	}
	return req
}

// Cause rebuilds the worker-side error carried by a FailRequest.
// 沒有分類的舊客戶端視為 Transient。
func (r FailRequest) Cause() error {
	class := r.ErrorClass
	if class == "" {
		class = fault.ClassTransient
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = fault.KindUnknown
	}
	return &fault.Error{Class: class, Kind: kind, Err: errors.New(r.Message)}
}

// ============================================================================
// 編碼
// ============================================================================

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ============================================================================
// 錯誤對應
// ============================================================================

// StatusError maps store errors onto gRPC status codes.
func StatusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, taskstore.ErrStaleClaim):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, taskstore.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, taskstore.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, taskstore.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus maps a gRPC status back onto the store's sentinel errors.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w (remote: %s)", taskstore.ErrStaleClaim, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w (remote: %s)", taskstore.ErrTaskNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w (remote: %s)", taskstore.ErrInvalidRequest, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fault.Transient(fault.KindUnavailable, err)
	}
	return err
}

// ============================================================================
// 服務描述
// ============================================================================

// Server is implemented by the coordinator.
type Server interface {
	Submit(ctx context.Context, req taskstore.SubmitRequest) (SubmitResponse, error)
	Claim(ctx context.Context, req ClaimRequest) (ClaimResponse, error)
	Complete(ctx context.Context, req CompleteRequest) (Empty, error)
	Fail(ctx context.Context, req FailRequest) (Empty, error)
	Defer(ctx context.Context, req DeferRequest) (Empty, error)
}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(Server, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, msg any) (any, error) {
				var req Req
				if err := Decode(msg.(*structpb.Struct), &req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
				}
				resp, err := call(srv.(Server), ctx, req)
				if err != nil {
					return nil, StatusError(err)
				}
				return Encode(resp)
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handle)
		},
	}
}

// ServiceDesc describes the task service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", Server.Submit),
		unary("Claim", Server.Claim),
		unary("Complete", Server.Complete),
		unary("Fail", Server.Fail),
		unary("Defer", Server.Defer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coord/v1/task_service",
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// 客戶端
// ============================================================================

// Client 任務服務客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := Encode(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return FromStatus(err)
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, req taskstore.SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.invoke(ctx, "Submit", req, &out)
	return out, err
}

func (c *Client) Claim(ctx context.Context, req ClaimRequest) (ClaimResponse, error) {
	var out ClaimResponse
	err := c.invoke(ctx, "Claim", req, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, req CompleteRequest) error {
	return c.invoke(ctx, "Complete", req, nil)
}

func (c *Client) Fail(ctx context.Context, req FailRequest) error {
	return c.invoke(ctx, "Fail", req, nil)
}

func (c *Client) Defer(ctx context.Context, req DeferRequest) error {
	return c.invoke(ctx, "Defer", req, nil)
}
