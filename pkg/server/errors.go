package server

import "errors"

var (
	// ErrClientGone is returned by Mailbox.Deliver when the client's writer has
	// stopped and nothing will ever drain the queue again.
	ErrClientGone = errors.New("server: client is gone")

	// ErrQueueFull is returned by Mailbox.Deliver when the outbound queue has no
	// free slot. The caller decides whether that is fatal for the client.
	ErrQueueFull = errors.New("server: outbound queue is full")

	// ErrServerClosed is returned by Serve once Shutdown has been called.
	ErrServerClosed = errors.New("server: closed")
)
