package tchannel

import (
	"errors"
	"fmt"
)

// ErrorCode is the wire `code` byte carried by an Error frame.
type ErrorCode byte

const (
	ErrorCodeInvalid        ErrorCode = 0x00
	ErrorCodeTimeout        ErrorCode = 0x01
	ErrorCodeCancelled      ErrorCode = 0x02
	ErrorCodeBusy           ErrorCode = 0x03
	ErrorCodeDeclined       ErrorCode = 0x04
	ErrorCodeUnexpected     ErrorCode = 0x05
	ErrorCodeBadRequest     ErrorCode = 0x06
	ErrorCodeNetwork        ErrorCode = 0x07
	ErrorCodeUnhealthy      ErrorCode = 0x08
	ErrorCodeFatal          ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalid:
		return "invalid"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeCancelled:
		return "cancelled"
	case ErrorCodeBusy:
		return "busy"
	case ErrorCodeDeclined:
		return "declined"
	case ErrorCodeUnexpected:
		return "unexpected"
	case ErrorCodeBadRequest:
		return "bad-request"
	case ErrorCodeNetwork:
		return "network"
	case ErrorCodeUnhealthy:
		return "unhealthy"
	case ErrorCodeFatal:
		return "fatal-protocol"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

// ErrIncomplete is returned by the frame codec when fewer bytes are buffered
// than the frame's declared size; the caller should wait for more bytes and
// retry.
var ErrIncomplete = errors.New("tchannel: incomplete frame")

// ProtocolError indicates a violation of the wire envelope itself (bad
// length, unknown frame type, oversized field) that requires tearing down
// the connection with a fatal-protocol Error frame addressed to id
// 0xFFFFFFFF.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tchannel protocol error (%s): %s", e.Code, e.Message)
}

// NewProtocolError constructs a ProtocolError.
func NewProtocolError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SystemError is a call-scoped failure reported to the peer (and to the
// local caller) as an Error frame; the connection itself survives.
type SystemError struct {
	Code    ErrorCode
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("tchannel error (%s): %s", e.Code, e.Message)
}

// NewSystemError constructs a SystemError.
func NewSystemError(code ErrorCode, format string, args ...interface{}) *SystemError {
	return &SystemError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is matches any SystemError carrying the same wire code, so a timeout
// reported by the peer and a locally-detected one both satisfy
// errors.Is(err, ErrTimeout).
func (e *SystemError) Is(target error) bool {
	se, ok := target.(*SystemError)
	return ok && se.Code == e.Code
}

// GetSystemErrorCode extracts the wire ErrorCode from err, defaulting to
// unexpected for errors that aren't already a *SystemError.
func GetSystemErrorCode(err error) ErrorCode {
	if se, ok := err.(*SystemError); ok {
		return se.Code
	}
	return ErrorCodeUnexpected
}

// Sentinel connection-lifecycle errors.
var (
	ErrConnectionClosed            = errors.New("tchannel: connection is closed")
	ErrConnectionNotReady          = errors.New("tchannel: connection is not yet ready")
	ErrConnectionAlreadyActive     = errors.New("tchannel: connection is already active")
	ErrConnectionWaitingOnPeerInit = errors.New("tchannel: connection is waiting for the peer to send init")
	ErrSendBufferFull              = errors.New("tchannel: connection send buffer is full, cannot send frame")
	ErrRecvBufferFull              = errors.New("tchannel: connection recv buffer is full, cannot recv frame")

	ErrHandlerNotFound = NewSystemError(ErrorCodeBadRequest, "no handler for service and operation")

	// ErrCancelled is delivered to a call future when the caller cancels it.
	ErrCancelled = NewSystemError(ErrorCodeCancelled, "call was cancelled")
	// ErrTimeout is delivered to a call future when its ttl elapses
	// without a terminal frame.
	ErrTimeout = NewSystemError(ErrorCodeTimeout, "call timed out")

	// ErrInboundCallStateMismatch is returned when an InboundCall method is
	// called out of order (e.g. ReadArg3 before ReadArg2).
	ErrInboundCallStateMismatch = errors.New("tchannel: inbound call method invoked out of order")
	// ErrInboundCallResponseStateMismatch is the response-side counterpart
	// of ErrInboundCallStateMismatch.
	ErrInboundCallResponseStateMismatch = errors.New("tchannel: inbound call response method invoked out of order")

	// ErrOutboundCallStateMismatch is the outbound-call counterpart of
	// ErrInboundCallStateMismatch, covering both OutboundCall (write side)
	// and OutboundCallResponse (read side) method ordering.
	ErrOutboundCallStateMismatch = errors.New("tchannel: outbound call method invoked out of order")
)
