// Package pktransport defines the byte-channel port the protocol engine is
// driven over. The engine itself never touches a Transport: a driver
// program reads frames off one with Recv, feeds them to Engine.OnFrame, and
// writes whatever Engine.Poll returns back with Send (spec §4.6, §9 "the
// channel is an opaque, bidirectional, ordered-or-not, lossy byte pipe").
package pktransport

import "errors"

// ErrClosed is returned by Send/Recv once the Transport has been closed.
var ErrClosed = errors.New("pktransport: closed")

// Transport carries whole protocol frames. Implementations are free to
// corrupt, drop, duplicate, or reorder frames (that is exactly what the
// reliability layer above them is for) but must never split or merge one
// frame's bytes with another's: Recv always returns either one complete
// frame or an error.
type Transport interface {
	// Send transmits one frame. It does not block waiting for the peer.
	Send(frameBytes []byte) error

	// Recv blocks until the next frame arrives, the Transport is closed, or
	// an I/O error occurs.
	Recv() ([]byte, error)

	Close() error
}
