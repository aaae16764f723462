package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmylchreest/replayd/internal/observability"
)

// Server serves the control service.
type Server struct {
	capture Capture
	logger  *slog.Logger

	grpcServer *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server for the capture session.
func NewServer(capture Capture, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		capture: capture,
		logger:  observability.WithComponent(logger, "control"),
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting gRPC control server", slog.String("address", ln.Addr().String()))
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving grpc: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
		return nil
	case err := <-errChan:
		return err
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully, forcing it down when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC control server stopped gracefully")
	case <-ctx.Done():
		s.grpcServer.Stop()
		s.logger.Warn("gRPC control server force stopped")
	}
}

// SaveClip exports the replay window. The request may set "async": true.
func (s *Server) SaveClip(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	async := false
	if v, ok := req.GetFields()["async"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, status.Error(codes.InvalidArgument, "async must be a boolean")
		}
		async = b.BoolValue
	}

	if async {
		return toStruct(SaveClipResponse{Accepted: s.capture.ExportAsync()})
	}

	result, err := s.capture.Export(context.WithoutCancel(ctx))
	if err != nil {
		return nil, statusError(err)
	}
	return toStruct(SaveClipResponse{Accepted: true, Clip: result})
}

// Status returns the capture session status.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.capture.Status(ctx))
}

// unaryInterceptor adds logging to unary RPCs.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		observability.WithError(s.logger, err).Warn("gRPC call failed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	} else {
		s.logger.Debug("gRPC call completed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", duration),
		)
	}

	return resp, err
}
