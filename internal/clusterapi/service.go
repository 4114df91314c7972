package clusterapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

const serviceName = "arena.cluster.v1.Cluster"

type ProposeRequest struct {
	Request statemachine.Request `json:"request"`
}

type ProposeResponse struct {
	Response statemachine.Response `json:"response"`
}

type JoinRequest struct {
	Member consensus.Member `json:"member"`
}

// MemberRequest names an existing member for Promote and Leave.
type MemberRequest struct {
	ID string `json:"id"`
}

type Empty struct{}

type StatusResponse struct {
	Status consensus.Status `json:"status"`
}

type AppliedIndexResponse struct {
	Index uint64 `json:"index"`
}

// SubscribeRequest filters the committed event stream to one game when
// GameID is set.
type SubscribeRequest struct {
	GameID string `json:"game_id,omitempty"`
}

// ClusterServer is the server side of the cluster service.
type ClusterServer interface {
	Propose(context.Context, *ProposeRequest) (*ProposeResponse, error)
	Join(context.Context, *JoinRequest) (*Empty, error)
	Promote(context.Context, *MemberRequest) (*Empty, error)
	Leave(context.Context, *MemberRequest) (*Empty, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
	AppliedIndex(context.Context, *Empty) (*AppliedIndexResponse, error)
	Subscribe(*SubscribeRequest, grpc.ServerStreamingServer[engine.GameEventMessage]) error
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

func unary[Req, Resp any](name string, call func(ClusterServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ClusterServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ClusterServer).Subscribe(in, &grpc.GenericServerStream[SubscribeRequest, engine.GameEventMessage]{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Propose", ClusterServer.Propose),
		unary("Join", ClusterServer.Join),
		unary("Promote", ClusterServer.Promote),
		unary("Leave", ClusterServer.Leave),
		unary("Status", ClusterServer.Status),
		unary("AppliedIndex", ClusterServer.AppliedIndex),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "arena/cluster/v1",
}

// RegisterClusterServer attaches srv to a gRPC server.
func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&serviceDesc, srv)
}
