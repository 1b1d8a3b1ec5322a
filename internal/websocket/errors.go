package websocket

import "errors"

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection send buffer full")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry errors.
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Handshake errors, reported to the client in a system notice before the
// socket is closed.
var (
	ErrAuthTimeout        = errors.New("no authenticate message within grace period")
	ErrAuthExpected       = errors.New("first message must be authenticate")
	ErrInvalidCredentials = errors.New("invalid authentication credentials")
)
