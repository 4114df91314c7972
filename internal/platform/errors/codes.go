// Package errors provides structured domain errors shared by the arena services.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Game lifecycle errors
	CodeUnknownGame            Code = "UNKNOWN_GAME"
	CodeAlreadyExists          Code = "ALREADY_EXISTS"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeNotAuthority           Code = "NOT_AUTHORITY"

	// Player and command errors
	CodePlayerExists   Code = "PLAYER_EXISTS"
	CodeGameFull       Code = "GAME_FULL"
	CodeInvalidCommand Code = "INVALID_COMMAND"
	CodeCommandExpired Code = "COMMAND_EXPIRED"

	// Server registry errors
	CodeUnknownServer     Code = "UNKNOWN_SERVER"
	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"

	// Consensus errors
	CodeNotLeader        Code = "NOT_LEADER"
	CodeConsensusTimeout Code = "CONSENSUS_TIMEOUT"

	// Channel errors
	CodeChannelSaturated Code = "CHANNEL_SATURATED"
	CodeNoSubscribers    Code = "NO_SUBSCRIBERS"

	// Replay errors
	CodeMalformedReplayRecord Code = "MALFORMED_REPLAY_RECORD"
	CodeReplayNotFound        Code = "REPLAY_NOT_FOUND"

	// Identity errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnknownGame, CodeUnknownServer, CodeReplayNotFound:
		return codes.NotFound
	case CodeAlreadyExists, CodeAlreadyRegistered, CodePlayerExists:
		return codes.AlreadyExists
	case CodeInvalidStateTransition, CodeNotAuthority, CodeCommandExpired, CodeGameFull:
		return codes.FailedPrecondition
	case CodeInvalidCommand, CodeMalformedReplayRecord:
		return codes.InvalidArgument
	case CodeNotLeader, CodeChannelSaturated, CodeNoSubscribers:
		return codes.Unavailable
	case CodeConsensusTimeout:
		return codes.DeadlineExceeded
	case CodeUnauthenticated:
		return codes.Unauthenticated
	default:
		return codes.Unknown
	}
}

// HTTPStatus maps domain codes to HTTP response statuses.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnknownGame, CodeUnknownServer, CodeReplayNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeAlreadyRegistered, CodePlayerExists,
		CodeInvalidStateTransition, CodeNotAuthority, CodeGameFull:
		return http.StatusConflict
	case CodeInvalidCommand, CodeCommandExpired, CodeMalformedReplayRecord:
		return http.StatusBadRequest
	case CodeNotLeader, CodeChannelSaturated, CodeNoSubscribers:
		return http.StatusServiceUnavailable
	case CodeConsensusTimeout:
		return http.StatusGatewayTimeout
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers should retry against the current leader.
func (c Code) Retryable() bool {
	return c == CodeNotLeader || c == CodeConsensusTimeout
}
