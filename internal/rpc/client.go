package rpc

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"aarna.eco/internal/audit"
	"aarna.eco/internal/host"
	"aarna.eco/internal/registry"
)

// Client reads the registry over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to target. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Healthy reports whether the registry service is SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Summary(ctx context.Context) (host.Summary, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoing(ctx), methodGetSummary, &emptypb.Empty{}, out); err != nil {
		return host.Summary{}, mapStatusError(err)
	}
	f := fields(out)
	return host.Summary{
		Contract:           registry.Identity(f.str("contract")),
		Admin:              registry.Identity(f.str("admin")),
		Validator:          registry.Identity(f.str("validator")),
		AssetID:            registry.AssetID(f.u64("asset_id")),
		ProjectCount:       f.count("project_count"),
		ProjectCapacity:    f.count("project_capacity"),
		ListingCount:       f.count("listing_count"),
		ListingCapacity:    f.count("listing_capacity"),
		ActiveListings:     f.count("active_listings"),
		Escrowed:           f.u64("escrowed"),
		TotalCreditsIssued: f.u64("total_credits_issued"),
	}, f.err
}

func (c *Client) Project(ctx context.Context, id uint64) (registry.Project, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoing(ctx), methodGetProject, wrapperspb.UInt64(id), out); err != nil {
		return registry.Project{}, mapStatusError(err)
	}
	f := fields(out)
	p := registry.Project{
		Submitter: registry.Identity(f.str("submitter")),
		Name:      f.str("name"),
		Location:  f.str("location"),
		Ecosystem: f.str("ecosystem"),
		CID:       f.str("cid"),
		Credits:   f.u64("credits"),
	}
	if err := p.Status.UnmarshalText([]byte(f.str("status"))); err != nil && f.err == nil {
		f.err = err
	}
	return p, f.err
}

func (c *Client) Listing(ctx context.Context, id uint64) (registry.Listing, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoing(ctx), methodGetListing, wrapperspb.UInt64(id), out); err != nil {
		return registry.Listing{}, mapStatusError(err)
	}
	f := fields(out)
	return registry.Listing{
		Seller:       registry.Identity(f.str("seller")),
		Amount:       f.u64("amount"),
		PricePerUnit: f.u64("price_per_unit"),
		Active:       f.flag("active"),
	}, f.err
}

// mapStatusError turns gRPC status codes back into package errors.
func mapStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", registry.ErrNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", host.ErrNotDeployed, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", registry.ErrInvalidArgument, st.Message())
	default:
		return err
	}
}

func outgoing(ctx context.Context) context.Context {
	if rid := audit.RequestID(ctx); rid != "" {
		return metadata.AppendToOutgoingContext(ctx, requestIDMetadata, rid)
	}
	return ctx
}

// structFields reads typed values, keeping the first decoding error.
type structFields struct {
	m   map[string]*structpb.Value
	err error
}

func fields(s *structpb.Struct) *structFields { return &structFields{m: s.GetFields()} }

func (f *structFields) str(key string) string { return f.m[key].GetStringValue() }

func (f *structFields) flag(key string) bool { return f.m[key].GetBoolValue() }

func (f *structFields) count(key string) int { return int(f.m[key].GetNumberValue()) }

func (f *structFields) u64(key string) uint64 {
	raw := f.m[key].GetStringValue()
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %s: %w", key, err)
	}
	return v
}
