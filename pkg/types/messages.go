// Package types holds the JSON shapes exchanged with arena clients.
package types

import (
	"errors"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// Client frame types.
const (
	ClientCommand = "Command"
	ClientSync    = "Sync"
)

// Server frame types.
const (
	ServerState = "State"
	ServerEvent = "Event"
	ServerError = "Error"
)

// ClientMessage is a frame sent by a WebSocket client. Command frames carry
// the client's predicted tick and sequence so the server can echo them back
// in the confirmation.
type ClientMessage struct {
	Type     string              `json:"type"`
	Command  *engine.GameCommand `json:"command,omitempty"`
	Tick     uint64              `json:"tick,omitempty"`
	Sequence uint64              `json:"sequence,omitempty"`
}

// ServerMessage is a frame sent to a WebSocket client.
type ServerMessage struct {
	Type     string                   `json:"type"`
	Sequence uint64                   `json:"sequence,omitempty"`
	State    *engine.GameState        `json:"state,omitempty"`
	Event    *engine.GameEventMessage `json:"event,omitempty"`
	Error    *ErrorBody               `json:"error,omitempty"`
}

// ErrorBody is the error payload shared by WebSocket frames and HTTP
// responses. Metadata names the authoritative server on NOT_AUTHORITY.
type ErrorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewErrorBody describes err for a client. Errors without a domain code are
// reported as internal without their text.
func NewErrorBody(err error) ErrorBody {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return ErrorBody{Code: string(domainErr.Code), Message: domainErr.Message, Metadata: domainErr.Metadata}
	}
	return ErrorBody{Code: string(apperrors.CodeUnknown), Message: "internal error"}
}
