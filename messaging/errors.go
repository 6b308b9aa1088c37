package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNoChannel is returned when a command or event declares no channel
	ErrNoChannel = errors.New("messaging: no channel declared")
	// ErrNoServiceName is returned when the owning service name is blank
	ErrNoServiceName = errors.New("messaging: service name is required")
	// ErrDuplicateHandler is returned when a channel already has a command handler
	ErrDuplicateHandler = errors.New("messaging: handler already registered")
	// ErrDispatcherRunning is returned by Start on a running dispatcher
	ErrDispatcherRunning = errors.New("messaging: dispatcher already running")
	// ErrBusClosed is returned once the bus has been closed
	ErrBusClosed = errors.New("messaging: bus closed")
	// ErrMissingReplyChannel marks an inbound command that cannot be answered
	ErrMissingReplyChannel = errors.New("messaging: inbound command has no reply channel")
	// ErrFutureCancelled is returned by Await after Cancel
	ErrFutureCancelled = errors.New("messaging: future cancelled")
)

// StatusCoder is implemented by errors that know which status code their
// ErrorEnvelope should carry.
type StatusCoder interface {
	StatusCode() int
}

// EncodingError means a value could not be serialised; nothing was sent.
type EncodingError struct {
	Channel string
	Type    string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("messaging encoding error: failed to encode %s for channel %s: %v", e.Type, e.Channel, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError means an inbound payload did not match the expected type.
type DecodingError struct {
	Channel string
	Type    string
	Err     error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("messaging decoding error: failed to decode %s from channel %s: %v", e.Type, e.Channel, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// StatusCode implements StatusCoder
func (e *DecodingError) StatusCode() int {
	return http.StatusBadRequest
}

// HandlerExecutionError is a handler failure as seen at the dispatcher
// boundary. Handlers can return one built with NewHandlerError to choose the
// reply status.
type HandlerExecutionError struct {
	Channel string
	Code    int
	Message string
	Panic   bool
	Err     error
}

// NewHandlerError creates a handler failure with an explicit status code
func NewHandlerError(code int, message string) *HandlerExecutionError {
	return &HandlerExecutionError{Code: code, Message: message}
}

func (e *HandlerExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Channel == "" {
		return fmt.Sprintf("handler execution error (%d): %s", e.StatusCode(), msg)
	}
	return fmt.Sprintf("handler execution error on %s (%d): %s", e.Channel, e.StatusCode(), msg)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}

// StatusCode implements StatusCoder, defaulting to 500
func (e *HandlerExecutionError) StatusCode() int {
	if e.Code <= 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

// RemoteExecutionError is a failure reported by the remote handler.
type RemoteExecutionError struct {
	Channel       string
	CorrelationID string
	Code          int
	Message       string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution error on %s (%d): %s", e.Channel, e.Code, e.Message)
}

// StatusCode implements StatusCoder
func (e *RemoteExecutionError) StatusCode() int {
	return e.Code
}

// TimeoutError means the caller stopped waiting before a reply arrived. The
// remote handler may still complete.
type TimeoutError struct {
	Channel       string
	CorrelationID string
	Err           error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for reply on %s (correlation %s): %v", e.Channel, e.CorrelationID, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// TransportError means the broker could not take the message.
type TransportError struct {
	Op        string
	Channel   string
	Err       error
	Timestamp time.Time
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging transport error: %s on %s failed: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRemote reports whether err carries a remote handler failure
func IsRemote(err error) bool {
	var remote *RemoteExecutionError
	return errors.As(err, &remote)
}

// IsTimeout reports whether err is a caller side timeout
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
