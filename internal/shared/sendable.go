// Package shared holds small cross-cutting pieces used by several layers.
package shared

import "context"

// Sendable is a non-owning handle to an open socket. Registries hold it
// to forward messages; they never control the connection's lifecycle.
// The transport layer owns teardown and reports closure by removing the
// handle from the registries.
type Sendable interface {
	// Send writes one message to the peer. Implementations must be safe
	// for concurrent use and must return an error rather than block
	// indefinitely on a broken peer.
	Send(ctx context.Context, payload any) error
}
