package client

import "errors"

// Request lifecycle errors
var (
	// ErrTimeout indicates the server did not reply within the request
	// timeout on any attempt.
	ErrTimeout = errors.New("request timed out")

	// ErrRemote indicates the server replied with an error for the
	// request.
	ErrRemote = errors.New("server rejected request")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("client is closed")
)
