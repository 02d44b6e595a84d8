package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/greenride/internal/auth"
)

const authorizationKey = "authorization"

// UnaryAuthInterceptor verifies the bearer token carried in the
// "authorization" metadata and stores its claims in the request context.
func UnaryAuthInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		if values := md.Get(authorizationKey); len(values) > 0 {
			token = auth.BearerToken(values[0])
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		claims, err := auth.Parse(secret, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if _, err := claims.UserID(); err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid subject")
		}
		return handler(auth.ContextWithClaims(ctx, claims), req)
	}
}

// WithBearer attaches token to outgoing calls made with the returned context.
func WithBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}
