// Package consensus runs the replicated state machine on hashicorp/raft.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

var tracer = otel.Tracer("github.com/DoyleJ11/arena-backend/internal/consensus")

type Config struct {
	NodeID string
	// ProposeTimeout bounds a proposal from submit to commit.
	ProposeTimeout     time.Duration
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotThreshold  uint64
	SnapshotInterval   time.Duration
	// CatchUpTimeout bounds how long a learner may take before promotion.
	CatchUpTimeout time.Duration
	CatchUpPoll    time.Duration
	RaftLogLevel   string
	EventBuffer    int
}

func (c Config) withDefaults() Config {
	if c.ProposeTimeout <= 0 {
		c.ProposeTimeout = timeouts.Propose
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = 30 * time.Second
	}
	if c.CatchUpPoll <= 0 {
		c.CatchUpPoll = 100 * time.Millisecond
	}
	if c.RaftLogLevel == "" {
		c.RaftLogLevel = "WARN"
	}
	return c
}

// raftConfig starts from raft's defaults. Raft randomizes each election
// timeout within [ElectionTimeout, 2*ElectionTimeout) and sends heartbeats
// at a fixed fraction of HeartbeatTimeout.
func (c Config) raftConfig(logOutput io.Writer) *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(c.NodeID)
	if c.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = c.HeartbeatTimeout
	}
	if c.ElectionTimeout > 0 {
		conf.ElectionTimeout = c.ElectionTimeout
	}
	if c.LeaderLeaseTimeout > 0 {
		conf.LeaderLeaseTimeout = c.LeaderLeaseTimeout
	}
	if c.CommitTimeout > 0 {
		conf.CommitTimeout = c.CommitTimeout
	}
	if c.SnapshotThreshold > 0 {
		conf.SnapshotThreshold = c.SnapshotThreshold
	}
	if c.SnapshotInterval > 0 {
		conf.SnapshotInterval = c.SnapshotInterval
	}
	conf.LogLevel = c.RaftLogLevel
	conf.LogOutput = logOutput
	return conf
}

// Stores are the raft persistence and transport backends.
type Stores struct {
	Logs      raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore
	Transport raft.Transport
}

// Forwarder relays a proposal to the leader's cluster API.
type Forwarder interface {
	Forward(ctx context.Context, apiAddr string, req statemachine.Request) (statemachine.Response, error)
}

type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Forwarder Forwarder
}

type Node struct {
	cfg       Config
	raft      *raft.Raft
	machine   *statemachine.Machine
	events    *bus.Broadcast[engine.GameEventMessage]
	transport raft.Transport
	forwarder Forwarder
	logger    *zap.Logger
	metrics   *metrics.Metrics
	logWriter *zapio.Writer
}

var _ Log = (*Node)(nil)

func NewNode(cfg Config, machine *statemachine.Machine, stores Stores, opts Options) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		return nil, errors.New("consensus: node id is required")
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("node_id", cfg.NodeID))
	writer := &zapio.Writer{Log: logger.Named("raft"), Level: zapcore.InfoLevel}

	events := bus.New[engine.GameEventMessage](cfg.EventBuffer)
	f := &fsm{machine: machine, events: events, logger: logger}
	r, err := raft.NewRaft(cfg.raftConfig(writer), f, stores.Logs, stores.Stable, stores.Snapshots, stores.Transport)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("start raft: %w", err)
	}
	return &Node{
		cfg:       cfg,
		raft:      r,
		machine:   machine,
		events:    events,
		transport: stores.Transport,
		forwarder: opts.Forwarder,
		logger:    logger,
		metrics:   opts.Metrics,
		logWriter: writer,
	}, nil
}

func (n *Node) ID() string { return n.cfg.NodeID }

func (n *Node) Machine() *statemachine.Machine { return n.machine }

// Bootstrap forms a new single-voter cluster. It is a no-op when the node
// already has raft state.
func (n *Node) Bootstrap() error {
	cfg := raft.Configuration{Servers: []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(n.cfg.NodeID),
		Address:  n.transport.LocalAddr(),
	}}}
	err := n.raft.BootstrapCluster(cfg).Error()
	if errors.Is(err, raft.ErrCantBootstrap) {
		n.logger.Info("raft state exists, skipping bootstrap")
		return nil
	}
	return err
}

// Propose commits req through the leader and returns the machine's
// response. Followers forward to the leader when a Forwarder is set.
func (n *Node) Propose(ctx context.Context, req statemachine.Request) (statemachine.Response, error) {
	ctx, span := tracer.Start(ctx, "consensus.Propose")
	span.SetAttributes(attribute.String("arena.request.kind", string(req.Kind)))
	defer span.End()

	start := time.Now()
	resp, err := n.propose(ctx, req)
	result := "ok"
	switch {
	case err != nil:
		result = string(apperrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.Error != nil:
		result = string(resp.Error.Code)
	}
	n.metrics.Proposal(string(req.Kind), result, time.Since(start))
	return resp, err
}

func (n *Node) propose(ctx context.Context, req statemachine.Request) (statemachine.Response, error) {
	if n.raft.State() != raft.Leader {
		return n.forward(ctx, req)
	}

	data, err := statemachine.EncodeRequest(req)
	if err != nil {
		return statemachine.Response{}, fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ProposeTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	future := n.raft.Apply(data, time.Until(deadline))

	done := make(chan error, 1)
	go func() { done <- future.Error() }()
	select {
	case <-ctx.Done():
		return statemachine.Response{}, apperrors.Wrap(apperrors.CodeConsensusTimeout, "proposal not committed in time", ctx.Err())
	case err := <-done:
		if err != nil {
			return statemachine.Response{}, n.translate(err)
		}
	}

	resp, ok := future.Response().(statemachine.Response)
	if !ok {
		return statemachine.Response{}, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return resp, nil
}

func (n *Node) forward(ctx context.Context, req statemachine.Request) (statemachine.Response, error) {
	leaderAddr, leaderID := n.raft.LeaderWithID()
	if n.forwarder == nil || leaderID == "" {
		return statemachine.Response{}, n.notLeader(string(leaderID), string(leaderAddr), nil)
	}
	reg, err := n.machine.Server(string(leaderID))
	if err != nil || reg.APIAddr == "" {
		return statemachine.Response{}, n.notLeader(string(leaderID), string(leaderAddr), err)
	}
	n.logger.Debug("forwarding proposal", zap.String("leader", string(leaderID)), zap.String("kind", string(req.Kind)))
	return n.forwarder.Forward(ctx, reg.APIAddr, req)
}

func (n *Node) notLeader(leaderID, leaderAddr string, cause error) error {
	return &apperrors.Error{
		Code:     apperrors.CodeNotLeader,
		Message:  "not the cluster leader",
		Metadata: map[string]string{"node_id": n.cfg.NodeID, "leader_id": leaderID, "leader_addr": leaderAddr},
		Cause:    cause,
	}
}

// translate maps raft failures onto retryable domain errors.
func (n *Node) translate(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress),
		errors.Is(err, raft.ErrNotVoter),
		errors.Is(err, raft.ErrRaftShutdown):
		addr, id := n.raft.LeaderWithID()
		return n.notLeader(string(id), string(addr), err)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return apperrors.Wrap(apperrors.CodeConsensusTimeout, "proposal enqueue timed out", err)
	default:
		return fmt.Errorf("raft: %w", err)
	}
}

// Subscribe yields every event the machine emits while applying committed
// entries, in commit order.
func (n *Node) Subscribe() *bus.Subscription[engine.GameEventMessage] {
	return n.events.Subscribe()
}

func (n *Node) Role() Role {
	switch n.raft.State() {
	case raft.Leader:
		return RoleLeader
	case raft.Candidate:
		return RoleCandidate
	case raft.Shutdown:
		return RoleShutdown
	}
	future := n.raft.GetConfiguration()
	if future.Error() == nil {
		for _, srv := range future.Configuration().Servers {
			if srv.ID == raft.ServerID(n.cfg.NodeID) && srv.Suffrage == raft.Nonvoter {
				return RoleLearner
			}
		}
	}
	return RoleFollower
}

func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// Leader returns the current leader's id and raft address, empty if unknown.
func (n *Node) Leader() (string, string) {
	addr, id := n.raft.LeaderWithID()
	return string(id), string(addr)
}

// AppliedIndex is the last log index applied to the machine.
func (n *Node) AppliedIndex() uint64 { return n.raft.AppliedIndex() }

// WaitForLeader blocks until any leader is known.
func (n *Node) WaitForLeader(ctx context.Context) (string, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id, _ := n.Leader(); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", apperrors.Wrap(apperrors.CodeConsensusTimeout, "no leader elected", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status summarizes the node for operators.
func (n *Node) Status() Status {
	leaderID, leaderAddr := n.Leader()
	members, err := n.Members()
	if err != nil {
		n.logger.Warn("read raft configuration", zap.Error(err))
	}
	return Status{
		NodeID:       n.cfg.NodeID,
		Role:         n.Role(),
		LeaderID:     leaderID,
		LeaderAddr:   leaderAddr,
		AppliedIndex: n.AppliedIndex(),
		LastApplied:  n.machine.LastApplied(),
		Members:      members,
	}
}

func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	n.events.Close()
	if closer, ok := n.transport.(raft.WithClose); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = n.logWriter.Close()
	return err
}
