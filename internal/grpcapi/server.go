package grpcapi

import (
	"context"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/auth"
)

// IdentityServiceName is the gRPC service exposing the caller's identity.
const IdentityServiceName = "sweepdesk.identity.v1.Identity"

const (
	methodWhoAmI        = "/" + IdentityServiceName + "/WhoAmI"
	methodRevokeSession = "/" + IdentityServiceName + "/RevokeSession"
)

// IdentityServer answers identity queries for already admitted callers.
type IdentityServer interface {
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RevokeSession(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

type identityServer struct {
	core *access.Core
}

func (s *identityServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rs, ok := access.FromContext(ctx)
	if !ok {
		return nil, auth.ErrUnscopedAccess
	}
	perms := make([]any, 0, len(rs.Principal.Permissions))
	keys := make([]string, 0, len(rs.Principal.Permissions))
	for k := range rs.Principal.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		perms = append(perms, k)
	}
	return structpb.NewStruct(map[string]any{
		"id":                     rs.Principal.ID,
		"kind":                   string(rs.Principal.Kind),
		"role":                   rs.Principal.Role,
		"organization_id":        rs.Principal.OrganizationID,
		"active_organization_id": rs.Scope.OrganizationID,
		"session_id":             rs.Principal.SessionID,
		"permissions":            perms,
	})
}

func (s *identityServer) RevokeSession(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rs, ok := access.FromContext(ctx)
	if !ok {
		return nil, auth.ErrUnscopedAccess
	}
	id := req.GetFields()["session_id"].GetStringValue()
	if id == "" {
		return nil, auth.ErrInvalidInput
	}
	if err := s.core.RevokeSession(ctx, rs, id); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWhoAmI}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).WhoAmI(ctx, req.(*emptypb.Empty))
	})
}

func revokeSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).RevokeSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRevokeSession}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).RevokeSession(ctx, req.(*structpb.Struct))
	})
}

// identityServiceDesc is written out by hand; the messages are well-known
// protobuf types so no generated package is needed.
var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: IdentityServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
		{MethodName: "RevokeSession", Handler: revokeSessionHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// Policies admits the identity service methods and leaves health checks public.
func Policies() map[string]Policy {
	return map[string]Policy{
		methodWhoAmI:                   {Permission: auth.PermProfileRead},
		methodRevokeSession:            {Permission: auth.PermSessionsRevoke},
		"/grpc.health.v1.Health/Check": {Public: true},
		"/grpc.health.v1.Health/List":  {Public: true},
	}
}

// NewServer builds a gRPC server with the identity and health services behind
// the access interceptor. The returned health server is flipped to NOT_SERVING
// by the caller on shutdown.
func NewServer(core *access.Core, opts ...grpc.ServerOption) (*grpc.Server, *health.Server, error) {
	policies := Policies()
	keys := make([]string, 0, len(policies))
	for _, p := range policies {
		if p.Permission != "" {
			keys = append(keys, p.Permission)
		}
	}
	if err := core.Catalog().Validate(keys...); err != nil {
		return nil, nil, err
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryInterceptor(core, policies)))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&identityServiceDesc, &identityServer{core: core})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(IdentityServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs, nil
}
