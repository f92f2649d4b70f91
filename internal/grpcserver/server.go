// Package grpcserver exposes sky matching over gRPC.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code; the descriptor below plays the part of the generated
// registration.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"skymatch/internal/pipeline"
	"skymatch/internal/skymatch"
	"skymatch/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "skymatch.v1.SkyMatch"

// SkyMatchServer is the server API of the SkyMatch service.
type SkyMatchServer interface {
	Match(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Footprints(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecentRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RunFunc executes one job synchronously.
type RunFunc func(ctx context.Context, job pipeline.Job) pipeline.Result

// RunLister reads persisted runs.
type RunLister interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, []storage.SkyValue, error)
}

// Server implements SkyMatchServer.
type Server struct {
	run    RunFunc
	store  RunLister
	log    *slog.Logger
	health *health.Server
}

// New returns a server. store may be nil, which disables the history calls.
func New(run RunFunc, store RunLister, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{run: run, store: store, log: log, health: health.NewServer()}
}

// Register adds the SkyMatch and health services to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
	)
	s.Register(g)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		g.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	return g.Serve(lis)
}

// Match runs a manifest and returns the result. Request fields: manifest
// (required), method, stat, skylist, output, strict.
func (s *Server) Match(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := jobFrom(req, pipeline.JobMatch)
	if err != nil {
		return nil, err
	}
	res := s.run(ctx, job)
	if res.Error != nil {
		return nil, statusOf(res.Error)
	}
	return toStruct(map[string]any{
		"job_id": job.ID,
		"run_id": res.RunID,
		"result": res.Sky,
	})
}

// Footprints returns the sky footprint of every image in a manifest.
func (s *Server) Footprints(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := jobFrom(req, pipeline.JobFootprint)
	if err != nil {
		return nil, err
	}
	res := s.run(ctx, job)
	if res.Error != nil {
		return nil, statusOf(res.Error)
	}
	return toStruct(map[string]any{"footprints": res.Meta["footprints"]})
}

// RecentRuns lists persisted runs, newest first. Request field: limit.
func (s *Server) RecentRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "storage unavailable")
	}
	limit := 20
	if v, ok := req.GetFields()["limit"]; ok && v.GetNumberValue() > 0 {
		limit = int(v.GetNumberValue())
	}
	runs, err := s.store.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"runs": runs})
}

// GetRun returns one run with its per-image sky values. Request field: id.
func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "storage unavailable")
	}
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	run, values, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"run": run, "values": values})
}

func jobFrom(req *structpb.Struct, typ pipeline.JobType) (pipeline.Job, error) {
	f := req.GetFields()
	manifest := f["manifest"].GetStringValue()
	if manifest == "" {
		return pipeline.Job{}, status.Error(codes.InvalidArgument, "manifest is required")
	}
	opts := map[string]any{}
	for _, k := range []string{"method", "stat", "skylist"} {
		if v := f[k].GetStringValue(); v != "" {
			opts[k] = v
		}
	}
	if v, ok := f["strict"]; ok {
		opts["strict"] = v.GetBoolValue()
	}
	id := f["job_id"].GetStringValue()
	if id == "" {
		id = uuid.NewString()
	}
	return pipeline.Job{
		ID:        id,
		Type:      typ,
		InputPath: manifest,
		Output:    f["output"].GetStringValue(),
		Options:   opts,
	}, nil
}

func statusOf(err error) error {
	switch {
	case errors.Is(err, skymatch.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
