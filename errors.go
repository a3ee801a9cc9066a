package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes, plus the MCP convention for unknown resources.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32002
)

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data any `json:"data,omitempty"`
}

var (
	// ErrSilentDrop is returned by a MethodHandler that consumed a message and wants no
	// wire message emitted for it, not even an error.
	ErrSilentDrop = errors.New("message dropped without reply")

	// ErrInvalidParams marks failures caused by the caller's arguments. The wrapped message
	// is sent to the peer.
	ErrInvalidParams = errors.New("invalid params")

	// ErrToolNotFound is returned when a tools/call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPromptNotFound is returned when a prompt lookup fails.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrResourceNotFound is returned when a resource lookup fails.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrSessionNotFound reports an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID reports a session id that is not a UUID.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrNotInitialized is returned by a Client used before Connect succeeded.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrTransportClosed is returned when sending over a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

const (
	errMsgInternalError       = "Internal error"
	errMsgResourceNotFound    = "Resource not found"
	errMsgSessionRequired     = "A valid session id is required for non-initialize requests"
	errMsgInvalidSession      = "Invalid session id"
	errMsgSessionNotFound     = "Session not found or has expired"
	errMsgInitializeBatch     = `The "initialize" request must not be part of a batch`
	errMsgInitializeSession   = `The "initialize" request must not carry a session id`
	errMsgRequestTimedOut     = "Request timed out"
	errMsgUnsupportedProtocol = "Unsupported protocol version"
)

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// errorReply maps a handler error to the wire error answering id. It returns nil for
// ErrSilentDrop. The second return value is the cause worth logging, if any.
func errorReply(id RequestID, err error) (*ErrorResponse, error) {
	if errors.Is(err, ErrSilentDrop) {
		return nil, nil
	}

	var jErr *JSONRPCError
	if errors.As(err, &jErr) {
		return &ErrorResponse{ID: id, Error: *jErr}, nil
	}
	var jVal JSONRPCError
	if errors.As(err, &jVal) {
		return &ErrorResponse{ID: id, Error: jVal}, nil
	}

	switch {
	case errors.Is(err, ErrResourceNotFound):
		return &ErrorResponse{ID: id, Error: JSONRPCError{Code: CodeResourceNotFound, Message: errMsgResourceNotFound}}, err
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrPromptNotFound), errors.Is(err, ErrInvalidParams):
		return NewErrorResponse(id, CodeInvalidParams, err.Error()), nil
	}

	return NewErrorResponse(id, CodeInternalError, errMsgInternalError), err
}

func resourceNotFound(uri string) *JSONRPCError {
	return &JSONRPCError{
		Code:    CodeResourceNotFound,
		Message: errMsgResourceNotFound,
		Data:    map[string]any{"uri": uri},
	}
}
