package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// Prober reports how far a member has applied the log.
type Prober interface {
	AppliedIndex(ctx context.Context, member Member) (uint64, error)
}

var errCatchingUp = errors.New("learner still catching up")

// AddNode admits member as a non-voting learner, waits until it has applied
// the log up to the admission point, then promotes it to voter. The voter
// set never changes while the learner is behind.
func (n *Node) AddNode(ctx context.Context, member Member, prober Prober) error {
	if n.raft.State() != raft.Leader {
		id, addr := n.Leader()
		return n.notLeader(id, addr, nil)
	}
	logger := n.logger.With(zap.String("member_id", member.ID), zap.String("member_addr", member.RaftAddr))

	id, addr := raft.ServerID(member.ID), raft.ServerAddress(member.RaftAddr)
	if err := n.raft.AddNonvoter(id, addr, 0, n.cfg.ProposeTimeout).Error(); err != nil {
		return n.translate(err)
	}
	target := n.raft.LastIndex()
	logger.Info("learner admitted", zap.Uint64("catch_up_index", target))

	_, err := backoff.Retry(ctx, func() (uint64, error) {
		applied, err := prober.AppliedIndex(ctx, member)
		if err != nil {
			return 0, err
		}
		if applied < target {
			return applied, errCatchingUp
		}
		return applied, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(n.cfg.CatchUpPoll)),
		backoff.WithMaxElapsedTime(n.cfg.CatchUpTimeout),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConsensusTimeout, fmt.Sprintf("learner %s did not catch up", member.ID), err)
	}

	if err := n.raft.AddVoter(id, addr, 0, n.cfg.ProposeTimeout).Error(); err != nil {
		return n.translate(err)
	}
	logger.Info("learner promoted to voter")
	return nil
}

// RemoveNode drops a member from the configuration.
func (n *Node) RemoveNode(ctx context.Context, id string) error {
	if n.raft.State() != raft.Leader {
		leaderID, addr := n.Leader()
		return n.notLeader(leaderID, addr, nil)
	}
	future := n.raft.RemoveServer(raft.ServerID(id), 0, n.cfg.ProposeTimeout)
	done := make(chan error, 1)
	go func() { done <- future.Error() }()
	select {
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeConsensusTimeout, "remove not committed in time", ctx.Err())
	case err := <-done:
		if err != nil {
			return n.translate(err)
		}
	}
	n.logger.Info("member removed", zap.String("member_id", id))
	return nil
}

// Members lists the current raft configuration.
func (n *Node) Members() ([]Member, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	servers := future.Configuration().Servers
	out := make([]Member, 0, len(servers))
	for _, srv := range servers {
		m := Member{ID: string(srv.ID), RaftAddr: string(srv.Address), Voter: srv.Suffrage == raft.Voter}
		if reg, err := n.machine.Server(m.ID); err == nil {
			m.APIAddr = reg.APIAddr
		}
		out = append(out, m)
	}
	return out, nil
}
