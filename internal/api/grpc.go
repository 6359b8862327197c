package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gateway-fm/cfdi-descarga/internal/job"
)

const jobServiceName = "cfdi.descarga.v1.JobService"

// JobServiceServer is the gRPC face of job.Service. Messages are
// google.protobuf.Struct values carrying the same fields as the JSON API.
type JobServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: jobServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unaryHandler("SubmitJob", JobServiceServer.SubmitJob)},
		{MethodName: "GetJobStatus", Handler: unaryHandler("GetJobStatus", JobServiceServer.GetJobStatus)},
		{MethodName: "CancelJob", Handler: unaryHandler("CancelJob", JobServiceServer.CancelJob)},
		{MethodName: "RetryJob", Handler: unaryHandler("RetryJob", JobServiceServer.RetryJob)},
	},
	Streams: []grpc.StreamDesc{},
}

type unaryCall func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + jobServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer handles incoming gRPC requests for job submission and status.
type GRPCServer struct {
	service *job.Service
}

// NewGRPCServer creates a new gRPC server.
func NewGRPCServer(service *job.Service) *GRPCServer {
	return &GRPCServer{service: service}
}

// Register registers the gRPC service.
func (s *GRPCServer) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&JobServiceDesc, s)
}

func (s *GRPCServer) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	body := submitJobRequest{
		OwnerRef:   stringField(in, "owner_ref"),
		CompanyRef: stringField(in, "company_ref"),
		Direction:  stringField(in, "direction"),
		DateFrom:   stringField(in, "date_from"),
		DateTo:     stringField(in, "date_to"),
	}
	slog.Info("received job submission request", "owner", body.OwnerRef, "company", body.CompanyRef)

	req, err := body.toSubmit()
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := s.service.SubmitJob(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "state": string(job.StateQueued)})
}

func (s *GRPCServer) GetJobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	j, err := s.service.GetJobStatus(ctx, stringField(in, "id"))
	if err != nil {
		return nil, toStatus(err)
	}

	raw, err := json.Marshal(NewJobView(j))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal job: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unmarshal job: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
	}
	return out, nil
}

func (s *GRPCServer) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	if err := s.service.CancelJob(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "status": "cancel requested"})
}

func (s *GRPCServer) RetryJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	if err := s.service.RetryJob(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "state": string(job.StateQueued)})
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, job.ErrInvalidRequest), errors.Is(err, job.ErrInvalidRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, job.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, job.ErrNotRetryable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, job.ErrConcurrentModification):
		return status.Error(codes.Aborted, err.Error())
	default:
		slog.Error("grpc request failed", "err", err)
		return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
	}
}

// JobServiceClient calls a remote JobService.
type JobServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewJobServiceClient(cc grpc.ClientConnInterface) *JobServiceClient {
	return &JobServiceClient{cc: cc}
}

func (c *JobServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+jobServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitJob", in, opts...)
}

func (c *JobServiceClient) GetJobStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetJobStatus", in, opts...)
}

func (c *JobServiceClient) CancelJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelJob", in, opts...)
}

func (c *JobServiceClient) RetryJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RetryJob", in, opts...)
}
