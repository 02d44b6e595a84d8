package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a remote Matching service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target with the JSON codec. Extra options are appended,
// so callers can swap transport credentials or the dialer.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	conn, err := grpc.DialContext(ctx, target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) FindMatches(ctx context.Context, in *FindMatchesRequest) (*MatchesResponse, error) {
	out := new(MatchesResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/FindMatches", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NearbyRides(ctx context.Context, in *NearbyRidesRequest) (*MatchesResponse, error) {
	out := new(MatchesResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/NearbyRides", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
