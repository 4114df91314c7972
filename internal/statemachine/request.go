package statemachine

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

type RequestKind string

const (
	KindCreateGame        RequestKind = "create_game"
	KindStartGame         RequestKind = "start_game"
	KindDeleteGame        RequestKind = "delete_game"
	KindProcessGameEvent  RequestKind = "process_game_event"
	KindTransferAuthority RequestKind = "transfer_authority"
	KindRegisterServer    RequestKind = "register_server"
	KindHeartbeatServer   RequestKind = "heartbeat_server"
	KindRemoveServer      RequestKind = "remove_server"
)

// ServerRegistration describes one arena server in the cluster.
type ServerRegistration struct {
	ID              string `json:"id"`
	RaftAddr        string `json:"raft_addr"`
	APIAddr         string `json:"api_addr"`
	HTTPAddr        string `json:"http_addr,omitempty"`
	RegisteredAtMs  int64  `json:"registered_at_ms"`
	LastHeartbeatMs int64  `json:"last_heartbeat_ms"`
}

type CreateGame struct {
	GameID         string           `json:"game_id"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
	Type           engine.GameType  `json:"type"`
	Seed           int64            `json:"seed"`
	QueueMode      engine.QueueMode `json:"queue_mode,omitempty"`
	TickDurationMs int64            `json:"tick_duration_ms,omitempty"`
	Players        []string         `json:"players"`
}

type StartGame struct {
	GameID      string `json:"game_id"`
	ServerID    string `json:"server_id"`
	StartTimeMs int64  `json:"start_time_ms"`
}

type DeleteGame struct {
	GameID string `json:"game_id"`
}

// ProcessGameEvent carries an event produced by the game's authority.
type ProcessGameEvent struct {
	GameID   string                  `json:"game_id"`
	ServerID string                  `json:"server_id"`
	Message  engine.GameEventMessage `json:"message"`
}

type TransferAuthority struct {
	GameID string `json:"game_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type RegisterServer struct {
	Server ServerRegistration `json:"server"`
}

type HeartbeatServer struct {
	ServerID string `json:"server_id"`
	AtMs     int64  `json:"at_ms"`
}

type RemoveServer struct {
	ServerID string `json:"server_id"`
}

// Request is one consensus log entry. Kind selects the populated payload.
type Request struct {
	Kind              RequestKind        `json:"kind"`
	CreateGame        *CreateGame        `json:"create_game,omitempty"`
	StartGame         *StartGame         `json:"start_game,omitempty"`
	DeleteGame        *DeleteGame        `json:"delete_game,omitempty"`
	ProcessGameEvent  *ProcessGameEvent  `json:"process_game_event,omitempty"`
	TransferAuthority *TransferAuthority `json:"transfer_authority,omitempty"`
	RegisterServer    *RegisterServer    `json:"register_server,omitempty"`
	HeartbeatServer   *HeartbeatServer   `json:"heartbeat_server,omitempty"`
	RemoveServer      *RemoveServer      `json:"remove_server,omitempty"`
}

func (c CreateGame) Request() Request { return Request{Kind: KindCreateGame, CreateGame: &c} }

func (c StartGame) Request() Request { return Request{Kind: KindStartGame, StartGame: &c} }

func (c DeleteGame) Request() Request { return Request{Kind: KindDeleteGame, DeleteGame: &c} }

func (c ProcessGameEvent) Request() Request {
	return Request{Kind: KindProcessGameEvent, ProcessGameEvent: &c}
}

func (c TransferAuthority) Request() Request {
	return Request{Kind: KindTransferAuthority, TransferAuthority: &c}
}

func (c RegisterServer) Request() Request { return Request{Kind: KindRegisterServer, RegisterServer: &c} }

func (c HeartbeatServer) Request() Request {
	return Request{Kind: KindHeartbeatServer, HeartbeatServer: &c}
}

func (c RemoveServer) Request() Request { return Request{Kind: KindRemoveServer, RemoveServer: &c} }

// GameID returns the game the request targets, if any.
func (r Request) GameID() string {
	switch {
	case r.CreateGame != nil:
		return r.CreateGame.GameID
	case r.StartGame != nil:
		return r.StartGame.GameID
	case r.DeleteGame != nil:
		return r.DeleteGame.GameID
	case r.ProcessGameEvent != nil:
		return r.ProcessGameEvent.GameID
	case r.TransferAuthority != nil:
		return r.TransferAuthority.GameID
	}
	return ""
}

// ResponseError is the serializable form of a rejected request.
type ResponseError struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// Response is always returned to the proposer, success or not.
type Response struct {
	Kind      RequestKind    `json:"kind"`
	Index     uint64         `json:"index"`
	GameID    string         `json:"game_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// Err converts a rejected response back into a domain error.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return apperrors.New(r.Error.Code, r.Error.Message)
}

// EncodeRequest serializes a request for the consensus log.
func EncodeRequest(req Request) ([]byte, error) {
	return encode(req)
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := decode(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
