package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"opaque-idp/internal/platform/errs"
	platformrbac "opaque-idp/internal/platform/rbac"
	"opaque-idp/internal/server/interceptors"
	signingdomain "opaque-idp/internal/signing/domain"
	userdomain "opaque-idp/internal/user/domain"
)

// PrincipalServiceName is the fully qualified name of the principal service.
const PrincipalServiceName = "opaqueidp.v1.PrincipalService"

// Full method names of PrincipalService.
const (
	WhoAmIMethod          = "/" + PrincipalServiceName + "/WhoAmI"
	OrgAccessMethod       = "/" + PrincipalServiceName + "/OrgAccess"
	ListSigningKeysMethod = "/" + PrincipalServiceName + "/ListSigningKeys"
)

// PrincipalServer answers questions about the caller of a bearer-authenticated RPC.
// Both messages are well-known protobuf types, so no generated stubs are needed.
type PrincipalServer interface {
	// WhoAmI returns the principal resolved from the access token.
	WhoAmI(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	// OrgAccess returns the caller's roles and permissions in the organization named by
	// x-org-id, or in its only organization.
	OrgAccess(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	// ListSigningKeys lists signing key metadata. Owner admins only.
	ListSigningKeys(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// KeyLister lists signing keys. Implemented by signing/service.Service.
type KeyLister interface {
	ListKeys(ctx context.Context) ([]signingdomain.KeyInfo, error)
}

type principalServer struct {
	access platformrbac.AccessResolver
	keys   KeyLister
}

// NewPrincipalServer returns a PrincipalServer reading the principal set by AuthUnary.
// A nil access or keys makes the matching RPC return Unimplemented.
func NewPrincipalServer(access platformrbac.AccessResolver, keys KeyLister) PrincipalServer {
	return &principalServer{access: access, keys: keys}
}

func (s *principalServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, ok := interceptors.GetPrincipal(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing principal")
	}
	fields := map[string]any{
		"cohort":     string(p.Cohort),
		"subject_id": p.SubjectID,
		"session_id": p.SessionID,
	}
	if p.OrgID != "" {
		fields["org_id"] = p.OrgID
	}
	if p.AdminRole != "" {
		fields["admin_role"] = p.AdminRole
	}
	return structpb.NewStruct(fields)
}

func (s *principalServer) OrgAccess(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.access == nil {
		return nil, status.Error(codes.Unimplemented, "organization access not configured")
	}
	access, userID, err := platformrbac.RequireOrgMember(ctx, s.access)
	if err != nil {
		return nil, errs.ToGRPC(err)
	}
	return structpb.NewStruct(map[string]any{
		"user_id":     userID,
		"org_id":      access.OrgID,
		"roles":       stringList(access.RoleKeys),
		"permissions": stringList(access.Permissions),
	})
}

func (s *principalServer) ListSigningKeys(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.keys == nil {
		return nil, status.Error(codes.Unimplemented, "signing keys not configured")
	}
	if _, err := platformrbac.RequireAdminRole(ctx, userdomain.AdminRoleOwner); err != nil {
		return nil, errs.ToGRPC(err)
	}
	infos, err := s.keys.ListKeys(ctx)
	if err != nil {
		return nil, errs.ToGRPC(errs.Internal(err))
	}
	keys := make([]any, 0, len(infos))
	for _, k := range infos {
		entry := map[string]any{
			"kid":        k.Kid,
			"algorithm":  k.Algorithm,
			"created_at": k.CreatedAt.UTC().Format(time.RFC3339),
			"wrapped":    k.Wrapped,
		}
		if k.RotatedAt != nil {
			entry["rotated_at"] = k.RotatedAt.UTC().Format(time.RFC3339)
		}
		keys = append(keys, entry)
	}
	return structpb.NewStruct(map[string]any{"keys": keys})
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

type principalMethod func(PrincipalServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

// unaryHandler adapts one PrincipalServer method to a grpc.MethodDesc handler.
func unaryHandler(fullMethod string, call principalMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PrincipalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PrincipalServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var principalServiceDesc = grpc.ServiceDesc{
	ServiceName: PrincipalServiceName,
	HandlerType: (*PrincipalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: unaryHandler(WhoAmIMethod, PrincipalServer.WhoAmI)},
		{MethodName: "OrgAccess", Handler: unaryHandler(OrgAccessMethod, PrincipalServer.OrgAccess)},
		{MethodName: "ListSigningKeys", Handler: unaryHandler(ListSigningKeysMethod, PrincipalServer.ListSigningKeys)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opaqueidp/v1/principal.proto",
}

// RegisterPrincipalServer registers srv on s.
func RegisterPrincipalServer(s grpc.ServiceRegistrar, srv PrincipalServer) {
	s.RegisterService(&principalServiceDesc, srv)
}
