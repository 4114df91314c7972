package clusterapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// DefaultDialOptions are the options every cluster connection uses.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
}

// Client dials peers by API address and caches one connection per peer.
type Client struct {
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var (
	_ consensus.Forwarder = (*Client)(nil)
	_ consensus.Prober    = (*Client)(nil)
)

// NewClient appends extra to DefaultDialOptions.
func NewClient(extra ...grpc.DialOption) *Client {
	return &Client{
		opts:  append(DefaultDialOptions(), extra...),
		conns: map[string]*grpc.ClientConn{},
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, apperrors.New(apperrors.CodeNotLeader, "peer api address unknown")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	cc, err := c.conn(addr)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Propose)
		defer cancel()
	}
	return apperrors.FromGRPC(cc.Invoke(ctx, fullMethod(method), in, out))
}

// Forward relays req to the node serving apiAddr.
func (c *Client) Forward(ctx context.Context, apiAddr string, req statemachine.Request) (statemachine.Response, error) {
	var out ProposeResponse
	if err := c.invoke(ctx, apiAddr, "Propose", &ProposeRequest{Request: req}, &out); err != nil {
		return statemachine.Response{}, err
	}
	return out.Response, nil
}

// AppliedIndex asks member how far it has applied the log.
func (c *Client) AppliedIndex(ctx context.Context, member consensus.Member) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.ClusterDial)
	defer cancel()
	var out AppliedIndexResponse
	if err := c.invoke(ctx, member.APIAddr, "AppliedIndex", &Empty{}, &out); err != nil {
		return 0, err
	}
	return out.Index, nil
}

// Join asks the node at addr to admit member. The call returns once the
// member has been promoted to voter, so callers should allow for catch-up.
func (c *Client) Join(ctx context.Context, addr string, member consensus.Member) error {
	return c.invoke(ctx, addr, "Join", &JoinRequest{Member: member}, &Empty{})
}

func (c *Client) Promote(ctx context.Context, addr, id string) error {
	return c.invoke(ctx, addr, "Promote", &MemberRequest{ID: id}, &Empty{})
}

func (c *Client) Leave(ctx context.Context, addr, id string) error {
	return c.invoke(ctx, addr, "Leave", &MemberRequest{ID: id}, &Empty{})
}

func (c *Client) Status(ctx context.Context, addr string) (consensus.Status, error) {
	var out StatusResponse
	if err := c.invoke(ctx, addr, "Status", &Empty{}, &out); err != nil {
		return consensus.Status{}, err
	}
	return out.Status, nil
}

// Subscribe opens a committed event stream on the node at addr. Cancel ctx
// to end it.
func (c *Client) Subscribe(ctx context.Context, addr, gameID string) (*EventStream, error) {
	cc, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Subscribe"))
	if err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	x := &grpc.GenericClientStream[SubscribeRequest, engine.GameEventMessage]{ClientStream: stream}
	if err := x.SendMsg(&SubscribeRequest{GameID: gameID}); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	if err := x.CloseSend(); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	return &EventStream{stream: x}, nil
}

// EventStream yields events from a remote Subscribe.
type EventStream struct {
	stream grpc.ServerStreamingClient[engine.GameEventMessage]
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream cleanly.
func (s *EventStream) Recv() (engine.GameEventMessage, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return engine.GameEventMessage{}, apperrors.FromGRPC(err)
	}
	return *msg, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
