package replay

import (
	"fmt"

	"github.com/DoyleJ11/arena-backend/internal/engine"
)

// Player steps a recording through the engine one tick at a time.
type Player struct {
	data  *Data
	state *engine.GameState
	next  int
}

func NewPlayer(data *Data) (*Player, error) {
	if data == nil || data.Initial == nil {
		return nil, fmt.Errorf("replay has no initial state")
	}
	p := &Player{data: data}
	if err := p.Reset(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reset returns to the initial state, including the between-tick events
// recorded at the initial tick.
func (p *Player) Reset() error {
	p.state = p.data.Initial.Clone()
	p.next = 0
	if err := p.state.ApplyAfterStep(p.take(p.state.Tick)); err != nil {
		return fmt.Errorf("apply tick %d: %w", p.state.Tick, err)
	}
	return nil
}

// take consumes the recorded events up to tick and returns those at tick.
func (p *Player) take(tick uint64) []engine.GameEventMessage {
	var out []engine.GameEventMessage
	for p.next < len(p.data.Events) && p.data.Events[p.next].Tick <= tick {
		if p.data.Events[p.next].Tick == tick {
			out = append(out, p.data.Events[p.next].Message)
		}
		p.next++
	}
	return out
}

// FinalTick is the last tick present in the recording.
func (p *Player) FinalTick() uint64 {
	if n := len(p.data.Events); n > 0 {
		return p.data.Events[n-1].Tick
	}
	return p.data.Initial.Tick
}

// Done reports whether the player has nothing left to step through.
func (p *Player) Done() bool {
	return p.state.Status.IsComplete() || p.state.Tick >= p.FinalTick()
}

// StepForward advances one tick. It returns false at the end.
func (p *Player) StepForward() (bool, error) {
	if p.Done() {
		return false, nil
	}
	target := p.state.Tick + 1
	if err := p.state.ReplayTick(p.take(target)); err != nil {
		return false, fmt.Errorf("apply tick %d: %w", target, err)
	}
	return true, nil
}

// StepBackward moves back one tick by replaying from the start.
func (p *Player) StepBackward() (bool, error) {
	if p.state.Tick <= p.data.Initial.Tick {
		return false, nil
	}
	return true, p.Seek(p.state.Tick - 1)
}

// Seek moves to tick, clamped to the recorded range.
func (p *Player) Seek(tick uint64) error {
	if tick < p.state.Tick {
		if err := p.Reset(); err != nil {
			return err
		}
	}
	for p.state.Tick < tick {
		ok, err := p.StepForward()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// Tick is the current tick.
func (p *Player) Tick() uint64 { return p.state.Tick }

// State returns a copy of the current state.
func (p *Player) State() *engine.GameState { return p.state.Clone() }
