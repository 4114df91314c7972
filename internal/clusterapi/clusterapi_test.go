package clusterapi

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

const bufAddr = "passthrough:///bufnet"

type fakeNode struct {
	mu         sync.Mutex
	proposed   []statemachine.Request
	proposeErr error
	added      []consensus.Member
	probed     uint64
	removed    []string
	members    []consensus.Member
	applied    uint64
	events     *bus.Broadcast[engine.GameEventMessage]
	subscribed chan struct{}
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		events:     bus.New[engine.GameEventMessage](16),
		subscribed: make(chan struct{}, 1),
		applied:    42,
	}
}

func (f *fakeNode) Propose(_ context.Context, req statemachine.Request) (statemachine.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposeErr != nil {
		return statemachine.Response{}, f.proposeErr
	}
	f.proposed = append(f.proposed, req)
	return statemachine.Response{Kind: req.Kind, Index: uint64(len(f.proposed)), GameID: req.GameID()}, nil
}

func (f *fakeNode) Subscribe() *bus.Subscription[engine.GameEventMessage] {
	sub := f.events.Subscribe()
	f.subscribed <- struct{}{}
	return sub
}

// AddNode probes the member the way the real leader does.
func (f *fakeNode) AddNode(ctx context.Context, member consensus.Member, prober consensus.Prober) error {
	applied, err := prober.AppliedIndex(ctx, member)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = applied
	f.added = append(f.added, member)
	return nil
}

func (f *fakeNode) RemoveNode(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeNode) Role() consensus.Role     { return consensus.RoleLeader }
func (f *fakeNode) Leader() (string, string) { return "n1", "raft-n1" }
func (f *fakeNode) AppliedIndex() uint64     { return f.applied }
func (f *fakeNode) Status() consensus.Status {
	return consensus.Status{NodeID: "n1", Role: consensus.RoleLeader, LeaderID: "n1", AppliedIndex: f.applied, Members: f.members}
}

func start(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	client := NewClient(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	srv := NewServer(NewService(node, client, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return client
}

func TestForwardProposal(t *testing.T) {
	node := newFakeNode()
	client := start(t, node)

	req := statemachine.CreateGame{GameID: "g1", Width: 20, Height: 20, Type: engine.Solo(), Seed: 7, Players: []string{"alice"}}.Request()
	resp, err := client.Forward(context.Background(), bufAddr, req)
	require.NoError(t, err)
	assert.Equal(t, statemachine.KindCreateGame, resp.Kind)
	assert.Equal(t, "g1", resp.GameID)
	assert.EqualValues(t, 1, resp.Index)

	require.Len(t, node.proposed, 1)
	got := node.proposed[0]
	require.NotNil(t, got.CreateGame)
	assert.Equal(t, []string{"alice"}, got.CreateGame.Players)
	assert.Equal(t, engine.Solo(), got.CreateGame.Type)
}

func TestForwardKeepsDomainErrors(t *testing.T) {
	node := newFakeNode()
	node.proposeErr = apperrors.WithMetadata(apperrors.CodeNotLeader, "not the cluster leader", map[string]string{"leader_id": "n2"})
	client := start(t, node)

	_, err := client.Forward(context.Background(), bufAddr, statemachine.DeleteGame{GameID: "g1"}.Request())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotLeader, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))

	var domainErr *apperrors.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "n2", domainErr.Metadata["leader_id"])
}

func TestJoinProbesTheLearner(t *testing.T) {
	node := newFakeNode()
	client := start(t, node)

	member := consensus.Member{ID: "n2", RaftAddr: "raft-n2", APIAddr: bufAddr}
	require.NoError(t, client.Join(context.Background(), bufAddr, member))
	assert.Equal(t, []consensus.Member{member}, node.added)
	assert.EqualValues(t, 42, node.probed)

	err := client.Join(context.Background(), bufAddr, consensus.Member{ID: "n3"})
	assert.Equal(t, apperrors.CodeInvalidCommand, apperrors.CodeOf(err))
}

func TestPromote(t *testing.T) {
	node := newFakeNode()
	node.members = []consensus.Member{
		{ID: "n1", RaftAddr: "raft-n1", Voter: true},
		{ID: "n2", RaftAddr: "raft-n2", APIAddr: bufAddr},
	}
	client := start(t, node)
	ctx := context.Background()

	err := client.Promote(ctx, bufAddr, "n9")
	assert.Equal(t, apperrors.CodeUnknownServer, apperrors.CodeOf(err))

	require.NoError(t, client.Promote(ctx, bufAddr, "n1"))
	assert.Empty(t, node.added, "voters are not re-promoted")

	require.NoError(t, client.Promote(ctx, bufAddr, "n2"))
	require.Len(t, node.added, 1)
	assert.Equal(t, "n2", node.added[0].ID)
}

func TestLeaveAndStatus(t *testing.T) {
	node := newFakeNode()
	client := start(t, node)
	ctx := context.Background()

	require.NoError(t, client.Leave(ctx, bufAddr, "n2"))
	assert.Equal(t, []string{"n2"}, node.removed)

	err := client.Leave(ctx, bufAddr, "")
	assert.Equal(t, apperrors.CodeInvalidCommand, apperrors.CodeOf(err))

	status, err := client.Status(ctx, bufAddr)
	require.NoError(t, err)
	assert.Equal(t, "n1", status.NodeID)
	assert.Equal(t, consensus.RoleLeader, status.Role)
	assert.EqualValues(t, 42, status.AppliedIndex)
}

func TestSubscribeFiltersByGame(t *testing.T) {
	node := newFakeNode()
	client := start(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Subscribe(ctx, bufAddr, "g2")
	require.NoError(t, err)

	select {
	case <-node.subscribed:
	case <-ctx.Done():
		t.Fatal("server never subscribed")
	}

	started := engine.Started("s1")
	for _, id := range []string{"g1", "g2"} {
		_, err := node.events.Publish(engine.GameEventMessage{
			GameID: id,
			Tick:   3,
			Event:  engine.GameEvent{Type: engine.EventStatusUpdated, Status: &started},
		})
		require.NoError(t, err)
	}

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "g2", msg.GameID)
	assert.EqualValues(t, 3, msg.Tick)
	require.NotNil(t, msg.Event.Status)
	assert.Equal(t, started, *msg.Event.Status)
}

func TestSubscribeEndsWhenNodeStops(t *testing.T) {
	node := newFakeNode()
	client := start(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Subscribe(ctx, bufAddr, "")
	require.NoError(t, err)
	<-node.subscribed

	node.events.Close()
	_, err = stream.Recv()
	assert.Equal(t, apperrors.CodeNotLeader, apperrors.CodeOf(err))
}
