package errors

import (
	stderrors "errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"
)

// Domain is the error domain attached to gRPC error details.
const Domain = "github.com/DoyleJ11/arena-backend"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates a domain error carrying key/value context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrUnknownGame            = New(CodeUnknownGame, "unknown game")
	ErrAlreadyExists          = New(CodeAlreadyExists, "already exists")
	ErrInvalidStateTransition = New(CodeInvalidStateTransition, "invalid state transition")
	ErrNotAuthority           = New(CodeNotAuthority, "not the game authority")
	ErrPlayerExists           = New(CodePlayerExists, "player already in game")
	ErrGameFull               = New(CodeGameFull, "game is full")
	ErrInvalidCommand         = New(CodeInvalidCommand, "invalid command")
	ErrCommandExpired         = New(CodeCommandExpired, "command target tick has passed")
	ErrUnknownServer          = New(CodeUnknownServer, "unknown server")
	ErrAlreadyRegistered      = New(CodeAlreadyRegistered, "server already registered")
	ErrNotLeader              = New(CodeNotLeader, "not the cluster leader")
	ErrConsensusTimeout       = New(CodeConsensusTimeout, "consensus timeout")
	ErrChannelSaturated       = New(CodeChannelSaturated, "channel saturated")
	ErrNoSubscribers          = New(CodeNoSubscribers, "no subscribers")
	ErrMalformedReplayRecord  = New(CodeMalformedReplayRecord, "malformed replay record")
	ErrReplayNotFound         = New(CodeReplayNotFound, "replay not found")
	ErrUnauthenticated        = New(CodeUnauthenticated, "unauthenticated")
)

// CodeOf extracts the domain code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is a consensus-level failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return CodeOf(err).Retryable()
}

// ToGRPCStatus converts the error to a gRPC status with an ErrorInfo detail.
func (e *Error) ToGRPCStatus() error {
	st := status.New(e.Code.GRPCCode(), e.Error())
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ToGRPC converts any error into a gRPC status error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.ToGRPCStatus()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(CodeUnknown.GRPCCode(), err.Error())
}

// FromGRPC restores a domain error from a gRPC status carrying an ErrorInfo.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != Domain {
			continue
		}
		return &Error{Code: Code(info.GetReason()), Message: st.Message(), Metadata: info.GetMetadata()}
	}
	return err
}
