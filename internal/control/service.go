// Package control exposes the capture session over gRPC so local tools and
// hotkey daemons can trigger exports without HTTP.
//
// The service uses well-known protobuf types only (Struct and Empty), so no
// generated code is needed on either side:
//
//	service Control {
//	  rpc SaveClip(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/session"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "replayd.control.v1.Control"

// Full method names.
const (
	SaveClipMethod = "/" + ServiceName + "/SaveClip"
	StatusMethod   = "/" + ServiceName + "/Status"
)

// Capture is the running capture session as seen by the control service.
type Capture interface {
	Status(ctx context.Context) session.Status
	Export(ctx context.Context) (*export.Result, error)
	ExportAsync() bool
}

// controlServer is the handler type registered with grpc.
type controlServer interface {
	SaveClip(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SaveClip", Handler: saveClipHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replayd/control/v1/control.proto",
}

func saveClipHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).SaveClip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SaveClipMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlServer).SaveClip(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SaveClipResponse is the SaveClip reply.
type SaveClipResponse struct {
	Accepted bool           `json:"accepted"`
	Clip     *export.Result `json:"clip,omitempty"`
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	return nil
}

// statusError maps export failures onto gRPC status codes.
func statusError(err error) error {
	switch {
	case errors.Is(err, export.ErrInsufficientData):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, session.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
