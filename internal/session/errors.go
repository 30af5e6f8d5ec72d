package session

import "errors"

var (
	// ErrSendFailed is returned (possibly wrapping a more specific cause) when
	// a message cannot be handed to the session's connection.
	ErrSendFailed = errors.New("send failed")

	ErrClosed    = errors.New("session closed")
	ErrQueueFull = errors.New("outbound queue full")

	// ErrProtocolViolation wraps decode errors that tore down a session.
	ErrProtocolViolation = errors.New("protocol violation")
)
