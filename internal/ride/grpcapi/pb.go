package grpcapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/example/greenride/internal/ride/domain"
	"github.com/example/greenride/internal/ride/service"
)

const serviceName = "greenride.Matching"

// FindMatchesRequest asks for scored rides for the calling traveler. Without
// End the proximity mode is used. TravelerId is optional.
type FindMatchesRequest struct {
	TravelerId string           `json:"traveler_id,omitempty"`
	Start      domain.GeoPoint  `json:"start"`
	End        *domain.GeoPoint `json:"end,omitempty"`
	Departure  string           `json:"departure,omitempty"`
	RadiusKm   float64          `json:"radius_km,omitempty"`
	Limit      int32            `json:"limit,omitempty"`
}

// NearbyRidesRequest asks for rides starting around Point.
type NearbyRidesRequest struct {
	TravelerId string          `json:"traveler_id,omitempty"`
	Point      domain.GeoPoint `json:"point"`
	RadiusKm   float64         `json:"radius_km,omitempty"`
	Limit      int32           `json:"limit,omitempty"`
}

// MatchesResponse carries rendered match records.
type MatchesResponse struct {
	Matches []service.MatchResult `json:"matches"`
}

// MatchingServer defines the gRPC contract.
type MatchingServer interface {
	FindMatches(context.Context, *FindMatchesRequest) (*MatchesResponse, error)
	NearbyRides(context.Context, *NearbyRidesRequest) (*MatchesResponse, error)
}

// RegisterMatchingServer registers service implementation.
func RegisterMatchingServer(s *grpc.Server, srv MatchingServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*MatchingServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "FindMatches", Handler: _Matching_FindMatches_Handler},
			{MethodName: "NearbyRides", Handler: _Matching_NearbyRides_Handler},
		},
	}, srv)
}

func _Matching_FindMatches_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FindMatchesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatchingServer).FindMatches(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FindMatches"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchingServer).FindMatches(ctx, req.(*FindMatchesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Matching_NearbyRides_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NearbyRidesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatchingServer).NearbyRides(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/NearbyRides"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchingServer).NearbyRides(ctx, req.(*NearbyRidesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// jsonCodec carries the plain Go messages above over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

// ServerCodec forces the JSON codec on a gRPC server.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}
