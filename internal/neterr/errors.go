// Package neterr defines the error kinds shared by the transport, the
// replication engines and the session lifecycle.
package neterr

import "errors"

var (
	// ErrConnectionLost reports an unexpected transport failure on send or receive.
	ErrConnectionLost = errors.New("connection lost")
	// ErrJoinFailed reports that the initial connection to a host could not be established.
	ErrJoinFailed = errors.New("join failed")
	// ErrMalformedPayload reports bytes that do not match the expected wire schema.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrHostShutdown reports an expected, host-initiated termination.
	ErrHostShutdown = errors.New("host shut down")
)
