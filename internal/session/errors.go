package session

import (
	"errors"

	"github.com/gorilla/websocket"
)

var (
	ErrAlreadyClosed     = errors.New("session: close frame already received")
	ErrDisposed          = errors.New("session: disposed")
	ErrConcurrentReceive = errors.New("session: concurrent receive not allowed")
	ErrInvalidText       = errors.New("session: queued text is not valid utf-8")
	ErrSessionEvicted    = errors.New("session: evicted")
	ErrInvalidOptions    = errors.New("session: invalid options")
)

// Well-known close payloads fixed by the termination paths that do not carry
// an application-supplied close frame.
var (
	// StatusInterrupted is sent when the transport failed mid-flight.
	StatusInterrupted = CloseStatus{Code: websocket.CloseProtocolError, Reason: "Connection interrupted"}
	// StatusGoingAway is sent when the application disposed the session.
	StatusGoingAway = CloseStatus{Code: websocket.CloseGoingAway, Reason: "Go away!"}
)

// Synthetic close records delivered to the receive side.
var (
	recordGoingAway     = CloseStatus{Code: websocket.CloseGoingAway, Reason: "client went away"}
	recordNormalClosure = CloseStatus{Code: websocket.CloseNormalClosure, Reason: ""}
)
