package engine

// maxSpawnAttempts bounds the random probes for one free food cell.
const maxSpawnAttempts = 64

// TickForward advances exactly one logical tick and returns the events it
// produced, stamped with the new tick. When applyPending is false, due
// commands are discarded; replay applies the recorded SnakeTurned events
// instead.
func (s *GameState) TickForward(applyPending bool) []GameEventMessage {
	if s.Status.IsComplete() {
		return nil
	}
	next := s.Tick + 1

	var events []GameEvent
	due := s.takeDue()
	if applyPending {
		for _, cmd := range due {
			if evt, ok := s.applyCommand(cmd); ok {
				events = append(events, evt)
			}
		}
	}

	if s.Round.Transitioning {
		if next >= s.Round.TransitionUntil {
			events = append(events, s.startRound()...)
		}
	} else {
		events = append(events, s.step(next)...)
	}

	s.Tick = next
	return stamp(next, events)
}

// RunUntil catches the game up to the tick implied by timestampMs.
func (s *GameState) RunUntil(timestampMs int64) []GameEventMessage {
	if s.TickDurationMs <= 0 || timestampMs < s.StartTimeMs {
		return nil
	}
	target := uint64((timestampMs - s.StartTimeMs) / s.TickDurationMs)
	var out []GameEventMessage
	for s.Tick < target && !s.Status.IsComplete() {
		out = append(out, s.TickForward(true)...)
	}
	return out
}

// SpawnFoodToTarget tops the food set up to the game type's target count.
func (s *GameState) SpawnFoodToTarget() []GameEventMessage {
	return stamp(s.Tick, s.spawnFood())
}

func (s *GameState) step(next uint64) []GameEvent {
	snakes := s.Arena.Snakes
	before := make([]Snake, len(snakes))
	for id := range snakes {
		if !snakes[id].Alive {
			continue
		}
		before[id] = snakes[id].clone()
		snakes[id].advance()
	}

	var events []GameEvent
	for id, cause := range s.collisions() {
		if cause == "" {
			continue
		}
		attempted := snakes[id].Head()
		snakes[id] = before[id]
		snakes[id].Alive = false
		events = append(events, GameEvent{Type: EventSnakeDied, SnakeID: id, Position: &attempted, Cause: cause})
	}

	for id := range snakes {
		if !snakes[id].Alive {
			continue
		}
		head := snakes[id].Head()
		if s.Arena.Food.Remove(head) {
			snakes[id].Food += foodGrowth
			events = append(events, GameEvent{Type: EventFoodEaten, SnakeID: id, Position: &head})
		}
	}

	events = append(events, s.spawnFood()...)
	return append(events, s.evaluateOutcome(next)...)
}

// collisions returns a cause per snake id, empty when the snake survives.
// All snakes are tested against the same post-move arena before any is
// marked dead.
func (s *GameState) collisions() []string {
	snakes := s.Arena.Snakes
	causes := make([]string, len(snakes))
	for id := range snakes {
		if !snakes[id].Alive {
			continue
		}
		head := snakes[id].Head()
		switch {
		case !s.Arena.InBounds(head):
			causes[id] = CauseWall
		case snakes[id].bodyContains(head):
			causes[id] = CauseSelf
		default:
			for other := range snakes {
				if other == id || !snakes[other].Alive {
					continue
				}
				if snakes[other].Head() == head {
					causes[id] = CauseHeadOn
					break
				}
				if snakes[other].ContainsPoint(head) {
					causes[id] = CauseSnake
					break
				}
			}
		}
	}
	return causes
}

func (s *GameState) spawnFood() []GameEvent {
	var events []GameEvent
	for len(s.Arena.Food) < s.Type.FoodTarget() {
		p, ok := s.randomFreeCell()
		if !ok {
			break
		}
		s.Arena.Food.Add(p)
		events = append(events, GameEvent{Type: EventFoodSpawned, Position: &p})
	}
	return events
}

// randomFreeCell draws a cell outside any endzone that holds neither food
// nor a living snake.
func (s *GameState) randomFreeCell() (Position, bool) {
	lo, hi := s.Type.foodColumns(s.Arena.Width)
	if hi <= lo || s.Arena.Height <= 0 {
		return Position{}, false
	}
	for range maxSpawnAttempts {
		p := Position{X: lo + s.RNG.IntN(hi-lo), Y: s.RNG.IntN(s.Arena.Height)}
		if s.Arena.Food.Contains(p) || s.Arena.occupiedBySnake(p) {
			continue
		}
		return p, true
	}
	return Position{}, false
}

func (s *GameState) evaluateOutcome(next uint64) []GameEvent {
	snakes := s.Arena.Snakes
	switch s.Type.Kind {
	case KindTeamMatch:
		return s.evaluateTeamRound(next)
	case KindSolo:
		if len(snakes) > 0 && s.AliveCount() == 0 {
			return s.complete(nil, nil)
		}
	default:
		if len(snakes) < 2 || s.AliveCount() > 1 {
			return nil
		}
		for id := range snakes {
			if snakes[id].Alive {
				winner := id
				return s.complete(&winner, nil)
			}
		}
		return s.complete(nil, nil)
	}
	return nil
}

func (s *GameState) evaluateTeamRound(next uint64) []GameEvent {
	snakes := s.Arena.Snakes
	scorer, team := -1, -1
	for id := range snakes {
		if snakes[id].Alive && s.Type.inOpposingEndzone(teamOf(id), snakes[id].Head(), s.Arena.Width) {
			scorer, team = id, teamOf(id)
			break
		}
	}

	reason := "endzone"
	if scorer < 0 {
		var populated, alive [2]int
		for id := range snakes {
			populated[teamOf(id)]++
			if snakes[id].Alive {
				alive[teamOf(id)]++
			}
		}
		switch {
		case len(snakes) == 0:
			return nil
		case alive[0] == 0 && alive[1] == 0:
			reason = "draw"
		case populated[0] == 0 || populated[1] == 0:
			return nil
		case alive[0] == 0:
			team, reason = 1, "eliminated"
		case alive[1] == 0:
			team, reason = 0, "eliminated"
		default:
			return nil
		}
	}

	if len(s.Round.Scores) < 2 {
		s.Round.Scores = make([]int, 2)
	}
	completed := GameEvent{Type: EventRoundCompleted, Round: s.Round.Number, Reason: reason}
	if team >= 0 {
		s.Round.Scores[team]++
		completed.Team = &team
	}
	completed.Scores = append([]int(nil), s.Round.Scores...)
	events := []GameEvent{completed}

	if team >= 0 && s.Round.Scores[team] >= teamScoreToWin {
		var winner *int
		if scorer >= 0 {
			winner = &scorer
		}
		return append(events, s.complete(winner, &team)...)
	}
	s.Round.Transitioning = true
	s.Round.TransitionUntil = next + roundTransitionTicks
	return events
}

// complete ends the match. The authority is kept on the final status.
func (s *GameState) complete(winningSnake, winningTeam *int) []GameEvent {
	s.Status = Status{
		Kind:           StatusComplete,
		ServerID:       s.Status.ServerID,
		WinningSnakeID: winningSnake,
		WinningTeam:    winningTeam,
	}
	updated := s.Status.clone()
	final := s.Status.clone()
	return []GameEvent{
		{Type: EventStatusUpdated, Status: &updated},
		{Type: EventMatchCompleted, Status: &final},
	}
}

// startRound respawns every snake and the food for the next round.
func (s *GameState) startRound() []GameEvent {
	for id := range s.Arena.Snakes {
		head, dir := s.Type.spawnPoint(id, s.Arena.Width, s.Arena.Height)
		s.Arena.Snakes[id] = NewSnake(head, dir)
	}
	s.Arena.Food = nil
	s.Round.Number++
	s.Round.Transitioning = false
	s.Round.TransitionUntil = 0
	events := []GameEvent{{Type: EventRoundStarted, Round: s.Round.Number, Scores: append([]int(nil), s.Round.Scores...)}}
	return append(events, s.spawnFood()...)
}

func stamp(tick uint64, events []GameEvent) []GameEventMessage {
	if len(events) == 0 {
		return nil
	}
	out := make([]GameEventMessage, len(events))
	for i, evt := range events {
		out[i] = GameEventMessage{Tick: tick, UserID: evt.UserID, Event: evt}
	}
	return out
}
