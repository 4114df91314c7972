package consensus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// Proposer appends a request and resolves once a majority has committed it.
type Proposer interface {
	Propose(ctx context.Context, req statemachine.Request) (statemachine.Response, error)
}

// Log is the consensus capability the rest of the server depends on.
type Log interface {
	Proposer
	Subscribe() *bus.Subscription[engine.GameEventMessage]
	AddNode(ctx context.Context, member Member, prober Prober) error
	RemoveNode(ctx context.Context, id string) error
	Role() Role
	Leader() (id, addr string)
}

type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLearner   Role = "learner"
	RoleShutdown  Role = "shutdown"
)

type Member struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr,omitempty"`
	Voter    bool   `json:"voter"`
}

type Status struct {
	NodeID       string   `json:"node_id"`
	Role         Role     `json:"role"`
	LeaderID     string   `json:"leader_id"`
	LeaderAddr   string   `json:"leader_addr"`
	AppliedIndex uint64   `json:"applied_index"`
	LastApplied  uint64   `json:"last_applied"`
	Members      []Member `json:"members"`
}

// DefaultMaxTries bounds ProposeWithRetry.
const DefaultMaxTries = 5

// ProposeWithRetry retries NotLeader and ConsensusTimeout failures with
// exponential backoff. Rejections by the machine are not retried.
func ProposeWithRetry(ctx context.Context, p Proposer, req statemachine.Request, maxTries uint) (statemachine.Response, error) {
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(ctx, func() (statemachine.Response, error) {
		resp, err := p.Propose(ctx, req)
		if err != nil && !apperrors.IsRetryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

// Commit is ProposeWithRetry with a rejected response folded into the error.
func Commit(ctx context.Context, p Proposer, req statemachine.Request) (statemachine.Response, error) {
	resp, err := ProposeWithRetry(ctx, p, req, DefaultMaxTries)
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}
