package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the read-only registry service.
const ServiceName = "aarna.registry.v1.RegistryQuery"

const (
	methodGetSummary = "/" + ServiceName + "/GetSummary"
	methodGetProject = "/" + ServiceName + "/GetProject"
	methodGetListing = "/" + ServiceName + "/GetListing"
)

// RegistryQueryServer is the server API for the RegistryQuery service.
// Messages are protobuf well-known types, so no generated code is needed.
type RegistryQueryServer interface {
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetProject(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	GetListing(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
}

// RegisterRegistryQueryServer attaches srv to s.
func RegisterRegistryQueryServer(s grpc.ServiceRegistrar, srv RegistryQueryServer) {
	s.RegisterService(&registryQueryDesc, srv)
}

var registryQueryDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSummary", Handler: getSummaryHandler},
		{MethodName: "GetProject", Handler: getProjectHandler},
		{MethodName: "GetListing", Handler: getListingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aarna/registry/v1/registry.proto",
}

func getSummaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryQueryServer).GetSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSummary}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryQueryServer).GetSummary(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getProjectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryQueryServer).GetProject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetProject}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryQueryServer).GetProject(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func getListingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryQueryServer).GetListing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetListing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryQueryServer).GetListing(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}
