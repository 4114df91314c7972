package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// ErrFenced means the cluster no longer considers this server the authority.
var ErrFenced = errors.New("runner: authority moved to another server")

type ReplicatorOptions struct {
	Logger  *zap.Logger
	Timeout time.Duration
	Buffer  int
}

// Replicator proposes a runner's snapshots and terminal event through
// consensus so a successor can resume the game.
type Replicator struct {
	gameID   string
	serverID string
	proposer consensus.Proposer
	in       chan engine.GameEventMessage
	timeout  time.Duration
	logger   *zap.Logger
}

func NewReplicator(gameID, serverID string, proposer consensus.Proposer, opts ReplicatorOptions) *Replicator {
	if opts.Timeout <= 0 {
		opts.Timeout = timeouts.Propose
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 4
	}
	return &Replicator{
		gameID:   gameID,
		serverID: serverID,
		proposer: proposer,
		in:       make(chan engine.GameEventMessage, opts.Buffer),
		timeout:  opts.Timeout,
		logger:   logging.OrNop(opts.Logger).With(zap.String("game_id", gameID)),
	}
}

// Sink is the channel handed to the runner as Options.Replicate.
func (r *Replicator) Sink() chan<- engine.GameEventMessage { return r.in }

// Run proposes messages until the terminal event commits, ctx ends, or the
// cluster fences this server off with ErrFenced.
func (r *Replicator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.in:
			err := r.propose(ctx, msg)
			switch {
			case errors.Is(err, apperrors.ErrNotAuthority):
				r.logger.Warn("fenced by cluster", zap.Error(err))
				return ErrFenced
			case err != nil:
				r.logger.Warn("replication failed", zap.String("type", string(msg.Event.Type)), zap.Uint64("tick", msg.Tick), zap.Error(err))
			case msg.Event.IsTerminal():
				return nil
			}
		}
	}
}

func (r *Replicator) propose(ctx context.Context, msg engine.GameEventMessage) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req := statemachine.ProcessGameEvent{GameID: r.gameID, ServerID: r.serverID, Message: msg}.Request()
	_, err := consensus.Commit(ctx, r.proposer, req)
	return err
}
