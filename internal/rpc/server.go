package rpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"aarna.eco/internal/audit"
	"aarna.eco/internal/host"
	"aarna.eco/internal/ids"
	"aarna.eco/internal/obs"
	"aarna.eco/internal/registry"
)

const requestIDMetadata = "x-request-id"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server answers registry reads over gRPC.
type Server struct {
	host      *host.Host
	readiness readinessChecker
	health    *health.Server
}

var _ RegistryQueryServer = (*Server)(nil)

func NewServer(h *host.Host, r readinessChecker) *Server {
	return &Server{host: h, readiness: r, health: health.NewServer()}
}

// Register attaches the registry and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterRegistryQueryServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// NewGRPCServer builds a grpc.Server with logging and the registry services.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogging))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// UpdateHealth publishes the readiness probe result to the health service.
func (s *Server) UpdateHealth(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ok := true
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			ok = false
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	obs.SetReady(ok)
	return ok
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() { s.health.Shutdown() }

func (s *Server) GetSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sum, err := s.host.Summary()
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"contract":             string(sum.Contract),
		"admin":                string(sum.Admin),
		"validator":            string(sum.Validator),
		"asset_id":             amount(uint64(sum.AssetID)),
		"project_count":        sum.ProjectCount,
		"project_capacity":     sum.ProjectCapacity,
		"listing_count":        sum.ListingCount,
		"listing_capacity":     sum.ListingCapacity,
		"active_listings":      sum.ActiveListings,
		"escrowed":             amount(sum.Escrowed),
		"total_credits_issued": amount(sum.TotalCreditsIssued),
	})
}

func (s *Server) GetProject(ctx context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	p, err := s.host.Project(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":        amount(in.GetValue()),
		"submitter": string(p.Submitter),
		"name":      p.Name,
		"location":  p.Location,
		"ecosystem": p.Ecosystem,
		"cid":       p.CID,
		"status":    p.Status.String(),
		"credits":   amount(p.Credits),
	})
}

func (s *Server) GetListing(ctx context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	l, err := s.host.Listing(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":             amount(in.GetValue()),
		"seller":         string(l.Seller),
		"amount":         amount(l.Amount),
		"price_per_unit": amount(l.PricePerUnit),
		"active":         l.Active,
	})
}

// amount renders a uint64 as decimal text; Struct numbers are doubles.
func amount(v uint64) string { return strconv.FormatUint(v, 10) }

func toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, host.ErrNotDeployed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, registry.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryLogging logs one structured line per call and propagates x-request-id.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	rid := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDMetadata); len(v) > 0 {
			rid = v[0]
		}
	}
	if rid == "" {
		rid = ids.New()
	}
	ctx = audit.WithRequestID(ctx, rid)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadata, rid))

	resp, err := handler(ctx, req)

	obs.LogRequest(map[string]any{
		"ts":          start.UTC().Format(time.RFC3339Nano),
		"level":       "info",
		"msg":         "rpc_complete",
		"request_id":  rid,
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp, err
}
