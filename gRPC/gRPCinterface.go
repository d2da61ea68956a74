package proto

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sync"

	"HelmetDetServer/engine"
	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"
	"HelmetDetServer/store"
	"HelmetDetServer/worker"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Submitter interface {
	Submit(ctx context.Context, job worker.Job) (*worker.Outcome, error)
}

type Server struct {
	pool   Submitter
	config iface.EngineConfig
	// Decode turns request bytes into an image.
	Decode func([]byte) (image.Image, error)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(pool Submitter, config iface.EngineConfig) *Server {
	return &Server{
		pool:   pool,
		config: config,
		Decode: engine.DecodeImage,
		closed: make(chan struct{}),
	}
}

// Closed is closed once a client calls Shutdown.
func (s *Server) Closed() <-chan struct{} {
	return s.closed
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	img, err := s.Decode(req.GetValue())
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("grpc", "rejected").Inc()
		return nil, status.Errorf(codes.InvalidArgument, "invalid image: %v", err)
	}
	outcome, err := s.pool.Submit(ctx, worker.Job{Image: img, Source: "grpc"})
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("grpc", "error").Inc()
		logger.Log().Error("grpc detect failed", zap.Error(err))
		return nil, toStatus(err)
	}
	monitor.RequestsTotal.WithLabelValues("grpc", "ok").Inc()
	return resultStruct(outcome)
}

func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (s *Server) CheckEngine(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	names := make([]any, 0, len(s.config.Names))
	for _, n := range s.config.Names {
		names = append(names, n)
	}
	return structpb.NewStruct(map[string]any{
		"backend":    s.config.Backend,
		"model_path": s.config.ModelPath,
		"names":      names,
		"confidence": float64(s.config.Conf),
		"iou":        float64(s.config.Iou),
		"input_size": s.config.InputSize,
		"use_gpu":    s.config.UseGPU,
	})
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	logger.Log().Warn("shutdown requested over gRPC")
	s.closeOnce.Do(func() { close(s.closed) })
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, worker.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func resultStruct(outcome *worker.Outcome) (*structpb.Struct, error) {
	res := outcome.Result
	lines := make([]any, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, l)
	}
	riders := store.FromResult(outcome.ID, "grpc", res).Riders
	violations := make([]any, 0, len(riders))
	for _, r := range riders {
		violations = append(violations, map[string]any{
			"index":        r.Index,
			"outcome":      r.Outcome,
			"plate_status": r.Status,
			"raw":          r.Raw,
			"corrected":    r.Corrected,
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":          outcome.ID,
		"report":      res.Report,
		"lines":       lines,
		"output_path": res.OutputPath,
		"violations":  violations,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterViolationServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
