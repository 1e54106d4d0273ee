package swarm

import "errors"

// Typed errors surfaced to callers of Dial/Request. The
// swarm task itself is infallible — every internal handler returns a
// response value or one of these; nothing panics across the loop.
var (
	ErrDialFailed          = errors.New("dial_failed")
	ErrDialTimeout         = errors.New("dial_timeout")
	ErrPeerIDMismatch      = errors.New("peer_id_mismatch")
	ErrUnsupportedProtocol = errors.New("unsupported_protocol")
	ErrRequestTimeout      = errors.New("request_timeout")
	ErrConnectionClosed    = errors.New("connection_closed")
)
