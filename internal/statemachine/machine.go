// Package statemachine is the replicated game and server registry. Apply is
// the only mutation path and runs only on committed log entries.
package statemachine

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

type Machine struct {
	mu          sync.Mutex
	nodeID      string
	games       map[string]*engine.GameState
	servers     map[string]ServerRegistration
	lastApplied uint64
}

func New(nodeID string) *Machine {
	return &Machine{
		nodeID:  nodeID,
		games:   make(map[string]*engine.GameState),
		servers: make(map[string]ServerRegistration),
	}
}

func (m *Machine) NodeID() string { return m.nodeID }

// Apply executes one committed entry. Entries at or below the last applied
// index are acknowledged as duplicates without effect. Log indexes start at
// 1; index 0 is rejected.
func (m *Machine) Apply(index uint64, req Request) (Response, []engine.GameEventMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := Response{Kind: req.Kind, Index: index, GameID: req.GameID()}
	if index == 0 {
		resp.Error = &ResponseError{Code: apperrors.CodeInvalidCommand, Message: "log index must be positive"}
		return resp, nil
	}
	if index <= m.lastApplied {
		resp.Duplicate = true
		return resp, nil
	}
	m.lastApplied = index

	events, err := m.apply(req, &resp)
	if err != nil {
		resp.Error = &ResponseError{Code: apperrors.CodeOf(err), Message: err.Error()}
		return resp, nil
	}
	return resp, events
}

func (m *Machine) apply(req Request, resp *Response) ([]engine.GameEventMessage, error) {
	switch {
	case req.Kind == KindCreateGame && req.CreateGame != nil:
		return m.createGame(*req.CreateGame)
	case req.Kind == KindStartGame && req.StartGame != nil:
		resp.ServerID = req.StartGame.ServerID
		return m.startGame(*req.StartGame)
	case req.Kind == KindDeleteGame && req.DeleteGame != nil:
		return m.deleteGame(*req.DeleteGame)
	case req.Kind == KindProcessGameEvent && req.ProcessGameEvent != nil:
		resp.ServerID = req.ProcessGameEvent.ServerID
		return m.processGameEvent(*req.ProcessGameEvent)
	case req.Kind == KindTransferAuthority && req.TransferAuthority != nil:
		resp.ServerID = req.TransferAuthority.To
		return m.transferAuthority(*req.TransferAuthority)
	case req.Kind == KindRegisterServer && req.RegisterServer != nil:
		resp.ServerID = req.RegisterServer.Server.ID
		return nil, m.registerServer(req.RegisterServer.Server)
	case req.Kind == KindHeartbeatServer && req.HeartbeatServer != nil:
		resp.ServerID = req.HeartbeatServer.ServerID
		return nil, m.heartbeatServer(*req.HeartbeatServer)
	case req.Kind == KindRemoveServer && req.RemoveServer != nil:
		resp.ServerID = req.RemoveServer.ServerID
		return nil, m.removeServer(*req.RemoveServer)
	default:
		return nil, apperrors.New(apperrors.CodeInvalidCommand, fmt.Sprintf("malformed %q request", req.Kind))
	}
}

func (m *Machine) createGame(req CreateGame) ([]engine.GameEventMessage, error) {
	if req.GameID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidCommand, "game id is required")
	}
	if _, ok := m.games[req.GameID]; ok {
		return nil, apperrors.WithMetadata(apperrors.CodeAlreadyExists, "game already exists", map[string]string{"game_id": req.GameID})
	}
	if req.Width < 4 || req.Height < 4 {
		return nil, apperrors.New(apperrors.CodeInvalidCommand, "arena must be at least 4x4")
	}
	if err := req.Type.Validate(); err != nil {
		return nil, err
	}

	game := engine.New(req.Width, req.Height, req.Type, req.Seed, 0, req.QueueMode)
	if req.TickDurationMs > 0 {
		game.TickDurationMs = req.TickDurationMs
	}
	var events []engine.GameEventMessage
	for _, user := range req.Players {
		id, err := game.AddPlayer(user)
		if err != nil {
			return nil, err
		}
		events = append(events, engine.GameEventMessage{
			GameID: req.GameID,
			UserID: user,
			Event:  engine.GameEvent{Type: engine.EventPlayerJoined, SnakeID: id, UserID: user},
		})
	}
	for _, msg := range game.SpawnFoodToTarget() {
		msg.GameID = req.GameID
		events = append(events, msg)
	}
	m.games[req.GameID] = game
	return events, nil
}

func (m *Machine) startGame(req StartGame) ([]engine.GameEventMessage, error) {
	game, err := m.game(req.GameID)
	if err != nil {
		return nil, err
	}
	if game.Status.Kind != engine.StatusStopped {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition, "game is not stopped", map[string]string{
			"game_id": req.GameID,
			"status":  string(game.Status.Kind),
		})
	}
	if _, ok := m.servers[req.ServerID]; !ok {
		return nil, unknownServer(req.ServerID)
	}
	game.Status = engine.Started(req.ServerID)
	game.StartTimeMs = req.StartTimeMs
	return []engine.GameEventMessage{statusEvent(req.GameID, game)}, nil
}

func (m *Machine) deleteGame(req DeleteGame) ([]engine.GameEventMessage, error) {
	game, err := m.game(req.GameID)
	if err != nil {
		return nil, err
	}
	delete(m.games, req.GameID)
	return []engine.GameEventMessage{{
		GameID: req.GameID,
		Tick:   game.Tick,
		Event:  engine.GameEvent{Type: engine.EventGameDeleted},
	}}, nil
}

// processGameEvent folds an authority's event into the replicated copy.
// Only the current authority may report, and snapshots never rewind.
func (m *Machine) processGameEvent(req ProcessGameEvent) ([]engine.GameEventMessage, error) {
	game, err := m.game(req.GameID)
	if err != nil {
		return nil, err
	}
	if game.Status.Kind != engine.StatusStarted || game.Status.ServerID != req.ServerID {
		return nil, apperrors.WithMetadata(apperrors.CodeNotAuthority, "server is not the game authority", map[string]string{
			"game_id":   req.GameID,
			"server_id": req.ServerID,
			"authority": game.Status.ServerID,
		})
	}

	msg := req.Message
	msg.GameID = req.GameID
	evt := msg.Event
	switch evt.Type {
	case engine.EventSnapshot:
		if evt.State == nil {
			return nil, apperrors.New(apperrors.CodeInvalidCommand, "snapshot without state")
		}
		if evt.State.Tick < game.Tick {
			return nil, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition, "snapshot is older than replicated state", map[string]string{
				"game_id":       req.GameID,
				"snapshot_tick": fmt.Sprint(evt.State.Tick),
				"current_tick":  fmt.Sprint(game.Tick),
			})
		}
		if err := game.ApplyEvent(msg); err != nil {
			return nil, err
		}
		// The replicated status is authoritative over the runner's copy.
		if !game.Status.IsComplete() {
			game.Status = engine.Started(req.ServerID)
		}
	case engine.EventMatchCompleted:
		if evt.Status != nil {
			status := engine.GameEventMessage{Event: engine.GameEvent{Type: engine.EventStatusUpdated, Status: evt.Status}}
			if err := game.ApplyEvent(status); err != nil {
				return nil, err
			}
		}
	default:
		if err := game.ApplyEvent(msg); err != nil {
			return nil, err
		}
	}
	return []engine.GameEventMessage{msg}, nil
}

func (m *Machine) transferAuthority(req TransferAuthority) ([]engine.GameEventMessage, error) {
	game, err := m.game(req.GameID)
	if err != nil {
		return nil, err
	}
	if game.Status.Kind != engine.StatusStarted {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition, "game is not started", map[string]string{"game_id": req.GameID})
	}
	if game.Status.ServerID != req.From {
		return nil, apperrors.WithMetadata(apperrors.CodeNotAuthority, "transfer source is not the authority", map[string]string{
			"game_id":   req.GameID,
			"from":      req.From,
			"authority": game.Status.ServerID,
		})
	}
	if _, ok := m.servers[req.To]; !ok {
		return nil, unknownServer(req.To)
	}
	game.Status = engine.Started(req.To)
	return []engine.GameEventMessage{statusEvent(req.GameID, game)}, nil
}

func (m *Machine) registerServer(reg ServerRegistration) error {
	if reg.ID == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "server id is required")
	}
	if _, ok := m.servers[reg.ID]; ok {
		return apperrors.WithMetadata(apperrors.CodeAlreadyRegistered, "server already registered", map[string]string{"server_id": reg.ID})
	}
	if reg.LastHeartbeatMs == 0 {
		reg.LastHeartbeatMs = reg.RegisteredAtMs
	}
	m.servers[reg.ID] = reg
	return nil
}

func (m *Machine) heartbeatServer(req HeartbeatServer) error {
	reg, ok := m.servers[req.ServerID]
	if !ok {
		return unknownServer(req.ServerID)
	}
	reg.LastHeartbeatMs = max(reg.LastHeartbeatMs, req.AtMs)
	m.servers[req.ServerID] = reg
	return nil
}

func (m *Machine) removeServer(req RemoveServer) error {
	if _, ok := m.servers[req.ServerID]; !ok {
		return unknownServer(req.ServerID)
	}
	delete(m.servers, req.ServerID)
	return nil
}

func (m *Machine) game(id string) (*engine.GameState, error) {
	game, ok := m.games[id]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeUnknownGame, "unknown game", map[string]string{"game_id": id})
	}
	return game, nil
}

func unknownServer(id string) error {
	return apperrors.WithMetadata(apperrors.CodeUnknownServer, "unknown server", map[string]string{"server_id": id})
}

func statusEvent(gameID string, game *engine.GameState) engine.GameEventMessage {
	status := game.Status
	return engine.GameEventMessage{
		GameID: gameID,
		Tick:   game.Tick,
		Event:  engine.GameEvent{Type: engine.EventStatusUpdated, Status: &status},
	}
}

// Game returns a deep copy of the replicated game state.
func (m *Machine) Game(id string) (*engine.GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	game, err := m.game(id)
	if err != nil {
		return nil, err
	}
	return game.Clone(), nil
}

// GameIDs lists known games in id order.
func (m *Machine) GameIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.games))
}

// GamesOwnedBy lists the started games whose authority is serverID.
func (m *Machine) GamesOwnedBy(serverID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, game := range m.games {
		if game.Status.Kind == engine.StatusStarted && game.Status.ServerID == serverID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (m *Machine) Server(id string) (ServerRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.servers[id]
	if !ok {
		return ServerRegistration{}, unknownServer(id)
	}
	return reg, nil
}

// Servers lists registrations in id order.
func (m *Machine) Servers() []ServerRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.servers))
	slices.SortFunc(out, func(a, b ServerRegistration) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Load counts started games per registered server.
func (m *Machine) Load() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	load := make(map[string]int, len(m.servers))
	for id := range m.servers {
		load[id] = 0
	}
	for _, game := range m.games {
		if game.Status.Kind != engine.StatusStarted {
			continue
		}
		if _, ok := load[game.Status.ServerID]; ok {
			load[game.Status.ServerID]++
		}
	}
	return load
}

func (m *Machine) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

type snapshot struct {
	Games       map[string]*engine.GameState  `json:"games"`
	Servers     map[string]ServerRegistration `json:"servers"`
	LastApplied uint64                        `json:"last_applied"`
}

// Snapshot encodes the whole machine.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := encode(snapshot{Games: m.games, Servers: m.servers, LastApplied: m.lastApplied})
	if err != nil {
		return nil, fmt.Errorf("encode machine snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the machine's contents with a snapshot.
func (m *Machine) Restore(data []byte) error {
	var snap snapshot
	if err := decode(data, &snap); err != nil {
		return fmt.Errorf("decode machine snapshot: %w", err)
	}
	if snap.Games == nil {
		snap.Games = make(map[string]*engine.GameState)
	}
	if snap.Servers == nil {
		snap.Servers = make(map[string]ServerRegistration)
	}
	for id, game := range snap.Games {
		if game == nil {
			return errors.New("decode machine snapshot: nil game " + id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.games = snap.Games
	m.servers = snap.Servers
	m.lastApplied = snap.LastApplied
	return nil
}
