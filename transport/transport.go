// Package transport owns the client side connection lifecycle.
//
// A Transporter holds at most one physical connection to one endpoint. Send writes an
// already encoded request and blocks until one complete length-first response frame has
// arrived. Every failure is reported as a *ConnectionError and leaves the transporter
// disconnected, so the next call starts from a fresh connection.
//
// Pool bounds how many transporters exist for one target; PooledTransporter and Session
// borrow from it with guaranteed release.
package transport

import (
	"context"

	"fleetrpc/endpoint"
)

type Transporter interface {
	// Connect establishes the connection. A non-nil ep that differs from the held endpoint
	// forces a disconnect first; a nil ep falls back to the held endpoint or the holder.
	Connect(ctx context.Context, ep *endpoint.Endpoint) error
	IsConnected() bool
	Disconnect() error
	// Send writes req and returns the complete response frame, length prefix included.
	Send(ctx context.Context, req []byte) ([]byte, error)
	// Endpoint is the endpoint of the current or most recent connection.
	Endpoint() (endpoint.Endpoint, bool)
}

// Heartbeater is implemented by transporters that can probe an idle connection.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Sender is the part of a Transporter the client needs. PooledTransporter and Session
// implement it on top of a Pool.
type Sender interface {
	Send(ctx context.Context, req []byte) ([]byte, error)
}
