package consensus

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// fsm adapts the machine to raft. Events returned by Apply are published on
// the committed-event bus; nothing else publishes there.
type fsm struct {
	machine *statemachine.Machine
	events  *bus.Broadcast[engine.GameEventMessage]
	logger  *zap.Logger
}

var _ raft.FSM = (*fsm)(nil)

func (f *fsm) Apply(l *raft.Log) interface{} {
	req, err := statemachine.DecodeRequest(l.Data)
	if err != nil {
		// Still consumes the index so LastApplied tracks the log.
		f.logger.Error("undecodable log entry", zap.Uint64("index", l.Index), zap.Error(err))
		req = statemachine.Request{}
	}

	resp, events := f.machine.Apply(l.Index, req)
	if resp.Error != nil {
		f.logger.Debug("request rejected",
			zap.Uint64("index", l.Index),
			zap.String("kind", string(resp.Kind)),
			zap.String("code", string(resp.Error.Code)),
			zap.String("message", resp.Error.Message),
		)
	}
	for _, evt := range events {
		if _, err := f.events.Publish(evt); err != nil && !errors.Is(err, apperrors.ErrNoSubscribers) {
			f.logger.Warn("committed event dropped", zap.String("game_id", evt.GameID), zap.Error(err))
		}
	}
	return resp
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Snapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := f.machine.Restore(data); err != nil {
		return err
	}
	f.logger.Info("machine restored from snapshot", zap.Uint64("last_applied", f.machine.LastApplied()))
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
