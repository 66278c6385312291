package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"ctiengine/internal/engine"
)

const (
	grpcServiceName  = "ctiengine.v1.ThreatIntel"
	grpcMethodLookup = "/ctiengine.v1.ThreatIntel/Lookup"
	grpcMethodTag    = "/ctiengine.v1.ThreatIntel/Tag"
	grpcMethodStats  = "/ctiengine.v1.ThreatIntel/Stats"
)

// ThreatIntelServer is the gRPC surface. Messages are google.protobuf.Struct values
// carrying the same JSON documents as the HTTP API.
type ThreatIntelServer interface {
	Lookup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tag(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type grpcServer struct {
	svc *engine.Service
}

func RegisterGRPC(s *grpc.Server, svc *engine.Service) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*ThreatIntelServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Lookup", Handler: unaryHandler(grpcMethodLookup, ThreatIntelServer.Lookup)},
			{MethodName: "Tag", Handler: unaryHandler(grpcMethodTag, ThreatIntelServer.Tag)},
			{MethodName: "Stats", Handler: unaryHandler(grpcMethodStats, ThreatIntelServer.Stats)},
		},
		Metadata: "ctiengine/v1/threatintel.proto",
	}, &grpcServer{svc: svc})
}

type structMethod func(ThreatIntelServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		base := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ThreatIntelServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return base(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, base)
	}
}

func (g *grpcServer) Lookup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query := stringField(in, "query")
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query required")
	}
	res, err := g.svc.Lookup(ctx, query)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(newLookupResponse(res))
}

func (g *grpcServer) Tag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query, tag := stringField(in, "query"), stringField(in, "tag")
	if query == "" || tag == "" {
		return nil, status.Error(codes.InvalidArgument, "query and tag required")
	}
	tags, err := g.svc.Tag(ctx, query, tag)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(tagResponse{Success: true, Tags: tags})
}

func (g *grpcServer) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := g.svc.Stats(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(st)
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	return out, nil
}

// grpcError maps engine errors onto the status codes matching the HTTP API.
func grpcError(err error) error {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusNotFound:
		return status.Error(codes.NotFound, err.Error())
	case http.StatusServiceUnavailable:
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
