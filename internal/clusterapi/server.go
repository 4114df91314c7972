package clusterapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
)

// Node is the consensus surface the cluster service exposes.
type Node interface {
	consensus.Log
	AppliedIndex() uint64
	Status() consensus.Status
}

// Service implements ClusterServer over a consensus node.
type Service struct {
	node   Node
	prober consensus.Prober
	logger *zap.Logger
}

var _ ClusterServer = (*Service)(nil)

// NewService builds the cluster service. prober is used by the leader to
// watch a learner catch up before promoting it.
func NewService(node Node, prober consensus.Prober, logger *zap.Logger) *Service {
	return &Service{node: node, prober: prober, logger: logging.OrNop(logger).Named("clusterapi")}
}

func (s *Service) Propose(ctx context.Context, in *ProposeRequest) (*ProposeResponse, error) {
	resp, err := s.node.Propose(ctx, in.Request)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return &ProposeResponse{Response: resp}, nil
}

func (s *Service) Join(ctx context.Context, in *JoinRequest) (*Empty, error) {
	if in.Member.ID == "" || in.Member.RaftAddr == "" {
		return nil, apperrors.ToGRPC(apperrors.New(apperrors.CodeInvalidCommand, "member id and raft address are required"))
	}
	s.logger.Info("join requested", zap.String("member_id", in.Member.ID), zap.String("raft_addr", in.Member.RaftAddr))
	if err := s.node.AddNode(ctx, in.Member, s.prober); err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return &Empty{}, nil
}

// Promote retries the catch-up and promotion of a member that is still a
// learner, for instance after a join timed out.
func (s *Service) Promote(ctx context.Context, in *MemberRequest) (*Empty, error) {
	member, ok := s.member(in.ID)
	if !ok {
		return nil, apperrors.ToGRPC(apperrors.WithMetadata(apperrors.CodeUnknownServer, "not a cluster member", map[string]string{"server_id": in.ID}))
	}
	if member.Voter {
		return &Empty{}, nil
	}
	if err := s.node.AddNode(ctx, member, s.prober); err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return &Empty{}, nil
}

func (s *Service) Leave(ctx context.Context, in *MemberRequest) (*Empty, error) {
	if in.ID == "" {
		return nil, apperrors.ToGRPC(apperrors.New(apperrors.CodeInvalidCommand, "member id is required"))
	}
	if err := s.node.RemoveNode(ctx, in.ID); err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	return &Empty{}, nil
}

func (s *Service) Status(context.Context, *Empty) (*StatusResponse, error) {
	return &StatusResponse{Status: s.node.Status()}, nil
}

func (s *Service) AppliedIndex(context.Context, *Empty) (*AppliedIndexResponse, error) {
	return &AppliedIndexResponse{Index: s.node.AppliedIndex()}, nil
}

// Subscribe streams committed events until the client goes away or the
// node shuts down. Gaps are logged; the client reconciles from state.
func (s *Service) Subscribe(in *SubscribeRequest, stream grpc.ServerStreamingServer[engine.GameEventMessage]) error {
	ctx := stream.Context()
	sub := s.node.Subscribe()
	defer sub.Close()
	for {
		msg, missed, err := sub.Next(ctx)
		switch {
		case errors.Is(err, bus.ErrClosed):
			return apperrors.ToGRPC(apperrors.New(apperrors.CodeNotLeader, "node shutting down"))
		case err != nil:
			return nil
		}
		if missed > 0 {
			s.logger.Warn("subscriber fell behind", zap.Uint64("missed", missed))
		}
		if in.GameID != "" && msg.GameID != in.GameID {
			continue
		}
		if err := stream.Send(&msg); err != nil {
			return err
		}
	}
}

func (s *Service) member(id string) (consensus.Member, bool) {
	for _, m := range s.node.Status().Members {
		if m.ID == id {
			return m, true
		}
	}
	return consensus.Member{}, false
}

// Server hosts the cluster service and gRPC health on one listener.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
}

func NewServer(svc *Service, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	RegisterClusterServer(grpcServer, svc)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return &Server{grpcServer: grpcServer, health: healthServer, logger: logging.OrNop(logger).Named("clusterapi")}
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("cluster api listening", zap.String("addr", lis.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.Stop()
}
