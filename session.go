// Package netsync replicates a host's authoritative game state to connected
// clients. A HostSession owns the canonical state and broadcasts a full
// snapshot every tick; a ClientSession keeps the newest snapshot it received.
package netsync

import (
	"context"
	"errors"

	"jsonic/netsync/internal/neterr"
)

var (
	// ErrConnectionLost reports an unexpected transport failure.
	ErrConnectionLost = neterr.ErrConnectionLost
	// ErrJoinFailed reports that ConnectTo could not reach the host.
	ErrJoinFailed = neterr.ErrJoinFailed
	// ErrMalformedPayload reports a received message that did not decode.
	ErrMalformedPayload = neterr.ErrMalformedPayload
	// ErrHostShutdown is the terminal error of a client whose host shut down gracefully.
	ErrHostShutdown = neterr.ErrHostShutdown
	// ErrNotServing is returned when a host operation needs a serving session.
	ErrNotServing = errors.New("host session is not serving")
)

// Session is the role-agnostic view of a host or client session.
type Session interface {
	IsHost() bool
	Close(ctx context.Context) error
}

var (
	_ Session = (*HostSession)(nil)
	_ Session = (*ClientSession)(nil)
)
