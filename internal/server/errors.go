package server

import "errors"

var (
	// ErrInvalidPattern is returned when a glob pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrInvalidOriginRule is returned by New when a CORS configuration carries
	// no usable origin rule.
	ErrInvalidOriginRule = errors.New("invalid CORS origin rule")

	// ErrUpgradeNotPerformed is returned when an UPGRADE route handler returns
	// without a response and without upgrading the connection.
	ErrUpgradeNotPerformed = errors.New("upgrade handler returned without upgrading the connection")

	// ErrResponseAfterUpgrade is returned when a handler upgrades the connection
	// and then also returns a response.
	ErrResponseAfterUpgrade = errors.New("handler returned a response after upgrading the connection")

	// ErrNilResponse is returned when an HTTP handler returns neither a response nor an error.
	ErrNilResponse = errors.New("handler returned a nil response")

	// ErrUpgradeFailed wraps handshake failures reported by the websocket upgrader.
	ErrUpgradeFailed = errors.New("websocket upgrade failed")

	// ErrAlreadyUpgraded is returned by a second Upgrade call on the same request.
	ErrAlreadyUpgraded = errors.New("connection already upgraded")

	// ErrResponseCommitted marks dispatch errors raised after the response was
	// written or the connection was taken over; nothing more can be sent.
	ErrResponseCommitted = errors.New("response already committed")

	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSendBufferFull is returned when a channel's outbound queue is full.
	ErrSendBufferFull = errors.New("channel send buffer full")

	// ErrAlreadyListening is returned by Listen when the server is already serving.
	ErrAlreadyListening = errors.New("server already listening")

	// ErrServerClosed is returned by Listen after the server has been shut down.
	ErrServerClosed = errors.New("server closed")
)
