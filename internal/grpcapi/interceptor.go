// Package grpcapi applies the access pipeline to gRPC methods.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/ids"
	"sweepdesk.io/internal/obs"
)

const (
	mdAuthorization = "authorization"
	mdCapability    = "x-capability-key"
	mdOrganization  = "x-organization-id"
	mdOrgOverride   = "x-admin-organization"
	mdRequestID     = "x-request-id"
)

// Policy describes how a method is admitted.
type Policy struct {
	// Public methods skip authentication entirely.
	Public bool
	// Permission required; empty admits any authenticated principal.
	Permission string
}

// Code maps an error kind to a gRPC status code.
func Code(kind string) codes.Code {
	switch kind {
	case "":
		return codes.OK
	case auth.KindInvalidCredentials, auth.KindAccountDisabled, auth.KindExpiredToken, auth.KindRevokedSession,
		auth.KindSignatureMismatch, auth.KindMalformedToken, auth.KindMFARequired:
		return codes.Unauthenticated
	case auth.KindTenantMismatch, auth.KindPermissionDenied:
		return codes.PermissionDenied
	case auth.KindRateLimited:
		return codes.ResourceExhausted
	case auth.KindNotFound:
		return codes.NotFound
	case auth.KindConflict:
		return codes.Aborted
	case auth.KindInvalidInput:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// statusError renders err with its kind as the message. Details stay in logs.
func statusError(err error) error {
	kind := auth.KindOf(err)
	return status.Error(Code(kind), kind+": "+auth.Message(kind))
}

// UnaryInterceptor authenticates, scopes and authorizes each call according
// to policies. Methods without a policy are refused.
func UnaryInterceptor(core *access.Core, policies map[string]Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		md, _ := metadata.FromIncomingContext(ctx)
		rid := first(md, mdRequestID)
		if rid == "" || len(rid) > 128 {
			rid = ids.New()
		}
		ctx = audit.WithRequestID(ctx, rid)

		policy, ok := policies[info.FullMethod]
		if !ok {
			obs.Warn("grpc_method_without_policy", map[string]any{"method": info.FullMethod, "request_id": rid})
			return nil, status.Error(codes.PermissionDenied, auth.KindPermissionDenied+": "+auth.Message(auth.KindPermissionDenied))
		}
		if policy.Public {
			return handler(ctx, req)
		}

		flow := core.Begin(access.Request{
			Action:      info.FullMethod,
			Permission:  policy.Permission,
			Credentials: credentials(md),
			AssertedOrg: first(md, mdOrganization),
			OverrideOrg: first(md, mdOrgOverride),
		})
		rs, err := flow.Run(ctx)
		if err != nil {
			return nil, statusError(err)
		}

		defer func() {
			if p := recover(); p != nil {
				obs.Error("panic_recovered", map[string]any{"method": info.FullMethod, "request_id": rid, "panic": fmt.Sprint(p)})
				flow.Fail(ctx, errors.New("grpc: handler panic"))
				resp, err = nil, status.Error(codes.Internal, auth.KindInternal+": "+auth.Message(auth.KindInternal))
			}
		}()
		resp, err = handler(rs.Context(ctx), req)
		flow.Complete(ctx, err)
		if err != nil {
			return nil, statusError(err)
		}
		return resp, nil
	}
}

func credentials(md metadata.MD) access.Credentials {
	var c access.Credentials
	if h := strings.TrimSpace(first(md, mdAuthorization)); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			c.Bearer = strings.TrimSpace(h[len(prefix):])
		} else {
			c.Bearer = h
		}
	}
	c.Capability = strings.TrimSpace(first(md, mdCapability))
	return c
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
